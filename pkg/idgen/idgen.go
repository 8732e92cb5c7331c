// Package idgen produces identifiers: small sequential IDs for objects that live
// inside one process, and unguessable tokens for things handed out to browsers.
package idgen

import (
	"crypto/rand"
	"sync/atomic"
)

// Uint32 returns values 1,2,3... up to 2^32-1, then wraps around to 1.
// Zero is never generated, so it can be used to mean "no ID".
type Uint32 struct {
	next atomic.Uint32
}

func (u *Uint32) Next() uint32 {
	n := u.next.Add(1)
	if n == 0 {
		n = u.next.Add(1)
	}
	return n
}

// Last returns the most recently generated value, or zero if Next has never been called
func (u *Uint32) Last() uint32 {
	return u.next.Load()
}

// This is 62 symbols, hence 5.9542 bits per character
// At 30 characters, that's 178 bits
const alphaNumChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Token returns a random alphanumeric string, suitable for a session cookie
func Token(nchars int) string {
	buf := make([]byte, nchars)
	if n, _ := rand.Read(buf); n != nchars {
		panic("Unable to read from crypto/rand")
	}
	for i := 0; i < nchars; i++ {
		buf[i] = alphaNumChars[buf[i]%byte(len(alphaNumChars))]
	}
	return string(buf)
}
