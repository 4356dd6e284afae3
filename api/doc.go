// Package api serves the opinion store and hybrid search over HTTP.
//
// Routes:
//
//	GET    /search?q=&category=&court=&outcome=&from=&to=&limit=
//	GET    /stats
//	POST   /opinions
//	GET    /opinions/{id}
//	DELETE /opinions/{id}
//	GET    /healthz
//
// Dates are YYYY-MM-DD. The "to" bound is exclusive.
package api
