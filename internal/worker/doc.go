// Package worker implements the per-version cache manager: request
// classification, the three caching strategies and the
// install/activate lifecycle that owns the site's cache partitions.
//
// A Manager is created for exactly one site version. The platform
// adapter drives it through Install and Activate and only then routes
// traffic to Fetch.
package worker
