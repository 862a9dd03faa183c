package machine

import "errors"

// ErrNoResolver is returned by ResolveEnv when no EnvResolver was
// configured; schedule RefreshEnv instead.
var ErrNoResolver = errors.New("machine: no env resolver configured")
