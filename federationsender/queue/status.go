// Copyright 2024 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

const maxBackoff = time.Hour * 24

// storeRetryInterval is how long an idle kind waits after the store
// failed to hand out its queued items.
const storeRetryInterval = time.Second * 30

type state int

const (
	stateRunning state = iota
	stateRetrying
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateRunning:
		return "running"
	case stateRetrying:
		return "retrying"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// transactionStatus is the delivery state of one kind. A kind with no
// status is idle.
type transactionStatus struct {
	state       state
	tries       uint32
	lastAttempt time.Time
}

// retryAt is only meaningful for failed kinds.
func (s *transactionStatus) retryAt() time.Time {
	return s.lastAttempt.Add(backoff(s.tries))
}

// backoff returns how long to wait after the nth consecutive failure:
// 30s * n^2, capped at a day.
func backoff(tries uint32) time.Duration {
	if tries > 60 {
		return maxBackoff
	}
	d := time.Duration(uint64(30)*uint64(tries)*uint64(tries)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// DestinationStatus is a snapshot of one kind for the admin API.
type DestinationStatus struct {
	Kind        string         `json:"kind"`
	State       string         `json:"state"`
	Tries       uint32         `json:"tries,omitempty"`
	LastAttempt spec.Timestamp `json:"last_attempt_ts,omitempty"`
	RetryAt     spec.Timestamp `json:"retry_at_ts,omitempty"`
	// Items in the transaction being delivered or retried.
	BatchSize int `json:"batch_size"`
}
