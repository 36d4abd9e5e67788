// Package server hosts the Fiber HTTP service, the request middleware chain
// and the site registry that maps a Host header to the site it serves.
// Requests under /-/ skip host lookup and reach the diagnostics routes;
// everything else is handed to a ProxyHandler together with its SiteRoute.
package server
