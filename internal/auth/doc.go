// Package auth guards the monitor's mutating HTTP routes with HS256
// bearer tokens.
//
// A token names its subject and one of three cumulative roles (viewer,
// operator, admin). Each permission has a minimum role, so authorising a
// request is a map lookup and never touches storage.
package auth
