package extbridge

import (
	"sync"

	"github.com/aegis-sign/extbridge/pkg/dapp"
)

// Session 保存 connect 返回的账户，未连接是一个可判断的状态。
type Session struct {
	mu      sync.RWMutex
	account *dapp.Account
}

// Account 返回当前账户，未连接时 ok=false。
func (s *Session) Account() (dapp.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.account == nil {
		return dapp.Account{}, false
	}
	return *s.account, true
}

func (s *Session) set(account dapp.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = &account
}

func (s *Session) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = nil
}
