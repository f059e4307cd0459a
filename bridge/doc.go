// Package bridge binds a reference-counted native object system to an
// embedded goja script engine.
//
// This package contains:
//   - Environment: owner of the engine instance and its global context
//   - Object handle table with weak/strong wrapper reference bridging
//   - Native and script class registries
//   - Module cache with pluggable loader/resolver chains
//   - Function cache and the native-to-script invocation bridge
//   - Timer driver and deferred cross-goroutine destruction
package bridge
