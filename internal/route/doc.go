// Package route models published open APIs and resolves request paths to
// them.
//
// Routes are cached in a bounded, expiring LRU keyed by "path:METHOD" and
// indexed by API id. Resolution tries the exact key, then every cached
// path template, then the remote catalog. The cache is reloaded in full
// at startup and on a schedule, and individual routes are refreshed or
// dropped when change events arrive over Redis pub/sub.
package route
