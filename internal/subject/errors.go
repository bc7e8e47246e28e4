package subject

import "errors"

var (
	errEmptySubject       = errors.New("subject: empty subject")
	errInvalidToken       = errors.New("subject: invalid token")
	errWildcardInConcrete = errors.New("subject: wildcard not allowed in concrete subject")
	errGreaterNotLast     = errors.New("subject: '>' must be the last token of a pattern")
)
