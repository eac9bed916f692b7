// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package controller

import "time"

// Clock abstracts the passage of time so port-reset settle delays and
// other fixed waits can be driven deterministically from tests.
type Clock interface {
	After(ms int) <-chan time.Time
}

type realClock struct{}

func (realClock) After(ms int) <-chan time.Time {
	return time.After(time.Duration(ms) * time.Millisecond)
}
