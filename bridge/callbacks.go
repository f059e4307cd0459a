package bridge

// Native-side notification entry points keyed by environment token. The
// native object system holds tokens rather than *Environment so that
// notifications arriving after teardown are safe: a dead token degrades to
// a conservative no-op instead of touching freed state.

// NotifyWrapperCreated builds and binds a script wrapper for obj in the
// environment behind token. With the environment gone the request is
// dropped; binding failures in a live environment surface as errors.
func NotifyWrapperCreated(token EnvironmentID, classID NativeClassID, obj NativeObject, policy BindingPolicy) (NativeObjectID, error) {
	env := sharedStore.Access(token)
	if env == nil {
		return 0, nil
	}
	if _, err := env.NewObjectWrapper(classID, obj, policy); err != nil {
		return 0, err
	}
	id, _ := env.GetObjectID(obj)
	return id, nil
}

// NotifyReferenceChanged forwards a refcount edge to the environment behind
// token. With the environment gone nothing can pin the object, so the
// native side is told it may destroy it.
func NotifyReferenceChanged(token EnvironmentID, obj NativeObject, increment bool) bool {
	env := sharedStore.Access(token)
	if env == nil {
		return true
	}
	return env.ReferenceObject(obj, increment)
}

// NotifyUnbind forwards a native-initiated unbind. Unknown tokens and
// objects that already lost their binding are ignored.
func NotifyUnbind(token EnvironmentID, obj NativeObject) {
	env := sharedStore.Access(token)
	if env == nil {
		return
	}
	env.objectsMu.RLock()
	_, bound := env.objectsIndex[obj]
	env.objectsMu.RUnlock()
	if !bound {
		return
	}
	env.freeObject(obj, false)
}

// NotifyDeferredRelease queues a value for release on the update pump of
// the environment behind token. With the environment gone the value is
// released inline.
func NotifyDeferredRelease(token EnvironmentID, value Releasable) {
	env := sharedStore.Access(token)
	if env == nil {
		value.Release()
		return
	}
	env.QueueDeferredRelease(value)
}

// EnvironmentAlive reports whether token still refers to a live
// environment.
func EnvironmentAlive(token EnvironmentID) bool {
	return sharedStore.Access(token) != nil
}
