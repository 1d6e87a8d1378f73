// Package connect はプロバイダーとの接続フロー（認可開始、コールバック処理、切断、
// プロバイダー経由のサインイン）をオーケストレーションする。
package connect

import (
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/connectbroker/internal/tokenstore"
)

// ErrInvalidTransition は許可されていない状態遷移を行おうとした場合のエラー。
// 呼び出し側のプログラミングエラーを表す。
var ErrInvalidTransition = errors.New("invalid connect attempt transition")

// State は接続試行の状態。
type State int

const (
	StateStart State = iota
	StateRequestingAuthorization
	StateExchanging
	StateConnected
	StateFailed
	StateDisconnected
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateRequestingAuthorization:
		return "requesting_authorization"
	case StateExchanging:
		return "exchanging"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions は各状態から遷移できる状態の一覧。Failedへの遷移は別途扱う。
var transitions = map[State][]State{
	StateStart:                   {StateRequestingAuthorization},
	StateRequestingAuthorization: {StateExchanging},
	StateExchanging:              {StateConnected},
	StateConnected:               {StateDisconnected},
}

// Attempt は1回の接続試行。リクエストをまたぐ状態はtokenstoreに保存し、
// コールバック時にRequestingAuthorizationから復元する。
type Attempt struct {
	ID         string
	Purpose    tokenstore.Purpose
	AccountID  string
	ProviderID string
	StartedAt  time.Time

	state State
	err   error
}

func newAttempt(id string, purpose tokenstore.Purpose, accountID, providerID string, now time.Time) *Attempt {
	return &Attempt{
		ID:         id,
		Purpose:    purpose,
		AccountID:  accountID,
		ProviderID: providerID,
		StartedAt:  now,
		state:      StateStart,
	}
}

// resumeAttempt は保存済みの認可レコードから接続試行を復元する。
func resumeAttempt(p *tokenstore.PendingAuthorization) *Attempt {
	return &Attempt{
		ID:         p.AttemptID,
		Purpose:    p.Purpose,
		AccountID:  p.AccountID,
		ProviderID: p.ProviderID,
		StartedAt:  p.CreatedAt,
		state:      StateRequestingAuthorization,
	}
}

// State は現在の状態を返す。
func (a *Attempt) State() State { return a.state }

// Err は失敗時の原因を返す。
func (a *Attempt) Err() error { return a.err }

// Transition は状態をtoに遷移する。許可されていない遷移はErrInvalidTransitionを返す。
func (a *Attempt) Transition(to State) error {
	if to == StateFailed {
		if a.state == StateFailed || a.state == StateDisconnected {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.state, to)
		}
		a.state = to
		return nil
	}
	for _, next := range transitions[a.state] {
		if next == to {
			a.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.state, to)
}

// Fail は原因を記録してFailedに遷移する。
func (a *Attempt) Fail(cause error) error {
	if err := a.Transition(StateFailed); err != nil {
		return err
	}
	a.err = cause
	return nil
}
