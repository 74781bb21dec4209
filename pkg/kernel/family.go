// Package kernel is the adaptive decision kernel. Before an intercepted
// call it classifies the target, picks a validation profile, and returns
// Allow, Repair or Deny; after the call it is trained on the outcome.
package kernel

import (
	"fmt"
	"strings"
)

// Family is the POSIX subsystem a call belongs to. Bandit arms, risk
// estimates and sequential tests are kept per family.
type Family uint8

const (
	FamilyPointerValidation Family = iota
	FamilyAllocator
	FamilyStringMemory
	FamilyStdio
	FamilyThreading
	FamilyResolver
	FamilyMathFenv
	FamilyLoader
	FamilyStdlib
	FamilyCtype
	FamilySignal
	FamilyTime
	FamilyLocale
	FamilyTermios
	FamilyIOFd
	FamilySocket
	FamilyInet
	FamilyPoll
	FamilyProcess
	FamilyVirtualMemory

	NumFamilies = int(iota)
)

var familyNames = [NumFamilies]string{
	"pointer_validation", "allocator", "string_memory", "stdio", "threading",
	"resolver", "math_fenv", "loader", "stdlib", "ctype", "signal", "time",
	"locale", "termios", "io_fd", "socket", "inet", "poll", "process",
	"virtual_memory",
}

func (f Family) String() string {
	if int(f) < NumFamilies {
		return familyNames[f]
	}
	return fmt.Sprintf("family(%d)", uint8(f))
}

func (f Family) valid() bool { return int(f) < NumFamilies }

// ParseFamily maps a family name back to its value.
func ParseFamily(s string) (Family, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range familyNames {
		if n == s {
			return Family(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFamily, s)
}

// Families lists every family in order.
func Families() []Family {
	out := make([]Family, NumFamilies)
	for i := range out {
		out[i] = Family(i)
	}
	return out
}
