// Package errors classifies failures for seisbridge components.
//
// Three classes drive handling decisions:
//
//   - Transient: the configuration repository or a backend is temporarily
//     unreachable. Callers retry with a retry.Policy.
//   - Invalid: bad input or configuration, and dispatch rejections. Never retried.
//   - Fatal: the process cannot continue, for example a startup configuration
//     failure or an acknowledgment cursor that moved backwards.
//
// All wrapping follows "component.method: action failed: cause":
//
//	if err := store.Load(ctx); err != nil {
//	    return errors.WrapFatal(err, "Dispatcher", "Load", "initial station table load")
//	}
//
// Sentinels are matched with errors.Is through any number of wrappers:
//
//	if errors.Is(err, errors.ErrAcquisitionDisabled) {
//	    // answer the station with a rejection
//	}
package errors
