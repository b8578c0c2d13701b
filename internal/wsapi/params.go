// (c) Siemens AG 2023
//
// SPDX-License-Identifier: MIT

package wsapi

import "net/http"

// streamParams are the query parameters recognised on the /ws endpoint.
type streamParams struct {
	// once requests a single snapshot push followed by an immediate close,
	// instead of the default behaviour of pushing on every tracker state
	// broadcast until the client disconnects.
	once bool
}

func parseStreamParams(req *http.Request) streamParams {
	q := req.URL.Query()
	_, once := q["once"]
	return streamParams{once: once}
}
