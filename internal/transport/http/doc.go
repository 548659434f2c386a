// Package http serves the local control API consumed by the desktop GUI.
//
// The server binds to loopback only. The GUI process talks to it over
// plain HTTP plus one websocket connection for live events:
//
//	GET  /api/health            liveness probe
//	GET  /api/license/status    current license verdict
//	GET  /api/license/renewal   days-to-expiry summary
//	POST /api/license/activate  activate a signed license token
//	POST /api/license/deactivate remove the local license
//	GET  /api/update/status     install state and available version
//	POST /api/update/install    trigger an install (409 while one runs)
//	GET  /metrics               Prometheus scrape endpoint
//	GET  /ws                    event feed (license, update, progress)
//
// Handlers accept service interfaces and return structured errors via
// go-chi/render, so tests exercise them with lightweight fakes.
package http
