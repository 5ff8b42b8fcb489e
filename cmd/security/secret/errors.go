package secret

import "errors"

// ErrMalformed reports a stored secret that does not parse. It never leaves
// the package through Verify, which folds it into false.
var ErrMalformed = errors.New("secret: malformed")
