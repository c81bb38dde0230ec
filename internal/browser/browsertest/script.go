// Package browsertest provides a scripted in-memory implementation of the
// browser capability contract for tests: a fake portal with a login form,
// a post-login marker, and configurable data tables.
package browsertest

import (
	"context"
	"strings"
	"sync"
	"time"

	"pkt.systems/portald/internal/browser"
)

// Script is a programmable fake automation engine. It implements
// browser.Launcher; hosts, sessions, and elements derived from it all
// share the script's state under one mutex. The zero value is not usable;
// construct with New.
type Script struct {
	mu sync.Mutex

	// Selector wiring, set by tests (typically from portal defaults).
	IDSelector     string
	PassSelector   string
	ButtonSelector string
	MarkerSelector string
	MarkerText     string

	ValidID   string
	ValidPass string

	// Tables maps a data-table selector to the text it renders.
	Tables map[string]string

	// BlockOnLogin, when non-nil, makes login clicks wait for a value
	// before completing. Used to hold a request mid-pipeline.
	BlockOnLogin chan struct{}

	authenticated  bool
	loginDisabled  bool
	expireAfterSel string
	typed          map[string]string
	currentURL     string
	failErr        error

	launches       int
	hostCloses     int
	sessionsOpened int
	sessionsClosed int
	navigations    int
	loginClicks    int
}

// New constructs a Script with empty table state.
func New() *Script {
	return &Script{
		Tables: make(map[string]string),
		typed:  make(map[string]string),
	}
}

// Launch implements browser.Launcher.
func (s *Script) Launch(context.Context) (browser.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	s.launches++
	return &host{script: s}, nil
}

// FailWith makes every subsequent automation call return err. Pass nil to
// restore normal behaviour.
func (s *Script) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// DisableLogin makes all future login attempts fail regardless of
// credentials.
func (s *Script) DisableLogin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginDisabled = true
}

// ExpireSession drops the authenticated state, simulating a portal-side
// session expiry.
func (s *Script) ExpireSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = false
}

// ExpireAfter arranges for the session to expire, with login disabled,
// right after the table at selector is read.
func (s *Script) ExpireAfter(selector string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireAfterSel = selector
}

// Launches reports how many hosts were launched.
func (s *Script) Launches() int { s.mu.Lock(); defer s.mu.Unlock(); return s.launches }

// HostCloses reports how many hosts were closed.
func (s *Script) HostCloses() int { s.mu.Lock(); defer s.mu.Unlock(); return s.hostCloses }

// SessionsOpened reports how many sessions were created.
func (s *Script) SessionsOpened() int { s.mu.Lock(); defer s.mu.Unlock(); return s.sessionsOpened }

// SessionsClosed reports how many sessions were closed.
func (s *Script) SessionsClosed() int { s.mu.Lock(); defer s.mu.Unlock(); return s.sessionsClosed }

// Navigations reports how many navigations were performed.
func (s *Script) Navigations() int { s.mu.Lock(); defer s.mu.Unlock(); return s.navigations }

// LoginClicks reports how many times the login button was clicked.
func (s *Script) LoginClicks() int { s.mu.Lock(); defer s.mu.Unlock(); return s.loginClicks }

type host struct {
	script *Script
}

func (h *host) NewSession(context.Context) (browser.Session, error) {
	h.script.mu.Lock()
	defer h.script.mu.Unlock()
	if h.script.failErr != nil {
		return nil, h.script.failErr
	}
	h.script.sessionsOpened++
	return &session{script: h.script}, nil
}

func (h *host) Close(context.Context) error {
	h.script.mu.Lock()
	defer h.script.mu.Unlock()
	h.script.hostCloses++
	return nil
}

type session struct {
	script *Script
}

func (se *session) Navigate(_ context.Context, url string, _ browser.WaitPolicy) error {
	se.script.mu.Lock()
	defer se.script.mu.Unlock()
	if se.script.failErr != nil {
		return se.script.failErr
	}
	se.script.navigations++
	se.script.currentURL = url
	return nil
}

func (se *session) WaitForElement(_ context.Context, selector string, _ time.Duration) (browser.Element, error) {
	se.script.mu.Lock()
	defer se.script.mu.Unlock()
	s := se.script
	if s.failErr != nil {
		return nil, s.failErr
	}
	switch selector {
	case s.IDSelector, s.PassSelector, s.ButtonSelector:
		return &element{script: s, selector: selector}, nil
	case s.MarkerSelector:
		if !s.authenticated {
			return nil, browser.ErrElementNotFound
		}
		return &element{script: s, selector: selector}, nil
	}
	if _, ok := s.Tables[selector]; ok && s.authenticated {
		return &element{script: s, selector: selector}, nil
	}
	return nil, browser.ErrElementNotFound
}

func (se *session) Close(context.Context) error {
	se.script.mu.Lock()
	defer se.script.mu.Unlock()
	se.script.sessionsClosed++
	return nil
}

type element struct {
	script   *Script
	selector string
}

func (e *element) Text(context.Context) (string, error) {
	e.script.mu.Lock()
	defer e.script.mu.Unlock()
	s := e.script
	if s.failErr != nil {
		return "", s.failErr
	}
	if e.selector == s.MarkerSelector {
		return s.MarkerText, nil
	}
	if text, ok := s.Tables[e.selector]; ok {
		if s.expireAfterSel == e.selector {
			s.authenticated = false
			s.loginDisabled = true
			s.expireAfterSel = ""
		}
		return text, nil
	}
	return "", nil
}

func (e *element) Type(_ context.Context, text string) error {
	e.script.mu.Lock()
	defer e.script.mu.Unlock()
	if e.script.failErr != nil {
		return e.script.failErr
	}
	e.script.typed[e.selector] = text
	return nil
}

func (e *element) Click(_ context.Context) error {
	e.script.mu.Lock()
	s := e.script
	if s.failErr != nil {
		s.mu.Unlock()
		return s.failErr
	}
	if e.selector != s.ButtonSelector {
		s.mu.Unlock()
		return nil
	}
	s.loginClicks++
	gate := s.BlockOnLogin
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := strings.TrimSpace(s.typed[s.IDSelector])
	pass := s.typed[s.PassSelector]
	s.authenticated = !s.loginDisabled && id != "" && id == s.ValidID && pass == s.ValidPass
	return nil
}

func (e *element) SelectOption(_ context.Context, value string) error {
	e.script.mu.Lock()
	defer e.script.mu.Unlock()
	if e.script.failErr != nil {
		return e.script.failErr
	}
	e.script.typed[e.selector] = value
	return nil
}
