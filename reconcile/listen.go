// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import "github.com/bureau-foundation/courier/dispatch"

// Route maps a typed event to the cache key it changes and the change
// itself. ok is false for events this reconciler does not track.
type Route[T any, E dispatch.Event] func(event E) (key string, change ServerEvent[T], ok bool)

// Listen feeds every eventType event from dispatcher into r.Reconcile.
func Listen[T any, E dispatch.Event](dispatcher *dispatch.Dispatcher, eventType string, r *Reconciler[T], route Route[T, E]) dispatch.ListenerID {
	return dispatch.OnEvent(dispatcher, eventType, func(event E) {
		key, change, ok := route(event)
		if !ok {
			return
		}
		r.Reconcile(key, change)
	})
}
