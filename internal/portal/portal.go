// Package portal drives the student-information portal through the
// browser capability contract: authentication with post-login marker
// verification, session-loss detection with a single re-authentication
// retry, and the per-page data fetchers.
package portal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/portald/internal/browser"
)

// DefaultBaseURL is the portal root.
const DefaultBaseURL = "http://thongtindaotao.sgu.edu.vn"

var (
	// ErrInvalidCredentials reports a login rejected by the portal.
	ErrInvalidCredentials = errors.New("portal: invalid credentials")
	// ErrSessionExpired reports a session the portal dropped and that
	// could not be re-established within the single retry budget.
	ErrSessionExpired = errors.New("portal: session expired")
	// ErrNoData reports a page that rendered without the expected data.
	ErrNoData = errors.New("portal: no data on page")
)

// markerTexts are the logout-link captions that confirm an authenticated
// session (Vietnamese and English portal locales).
var markerTexts = []string{"Thoát", "Exit"}

// Selectors names the page elements the manager interacts with.
type Selectors struct {
	LoginID      string
	LoginPass    string
	LoginButton  string
	LogoutMarker string

	ScheduleTable string
	ProfileTable  string
	ExamTable     string
	TuitionTable  string
}

// DefaultSelectors returns the selectors for the current portal layout.
func DefaultSelectors() Selectors {
	return Selectors{
		LoginID:      "#ctl00_ContentPlaceHolder1_ctl00_ucDangNhap_txtTaiKhoa",
		LoginPass:    "#ctl00_ContentPlaceHolder1_ctl00_ucDangNhap_txtMatKhau",
		LoginButton:  "#ctl00_ContentPlaceHolder1_ctl00_ucDangNhap_btnDangNhap",
		LogoutMarker: "#ctl00_Header1_Logout1_lbtnLogOut",

		ScheduleTable: "#ctl00_ContentPlaceHolder1_ctl00_ThoiKhoaBieu1_tbTKBTheoTuan",
		ProfileTable:  "#ctl00_ContentPlaceHolder1_ctl00_ucXemDiem_tblXemDiem",
		ExamTable:     "#ctl00_ContentPlaceHolder1_ctl00_ucXemLich_tblXemLich",
		TuitionTable:  "#ctl00_ContentPlaceHolder1_ctl00_ucXemHP_tblXemHP",
	}
}

// Page paths relative to the portal root.
const (
	pageSchedule = "/Default.aspx?page=thoikhoabieu"
	pageProfile  = "/Default.aspx?page=xemdiemthi"
	pageExams    = "/Default.aspx?page=xemlichthi"
	pageTuition  = "/Default.aspx?page=xemhocphi"
)

const (
	// DefaultProbeTimeout bounds the non-destructive marker probe.
	DefaultProbeTimeout = 3 * time.Second
	// DefaultElementTimeout bounds ordinary element waits.
	DefaultElementTimeout = 20 * time.Second
)

// Config assembles a Manager.
type Config struct {
	BaseURL        string
	Selectors      *Selectors
	Logger         pslog.Logger
	ProbeTimeout   time.Duration
	ElementTimeout time.Duration
}

// Manager authenticates sessions and fetches portal pages.
type Manager struct {
	base           string
	sel            Selectors
	logger         pslog.Logger
	probeTimeout   time.Duration
	elementTimeout time.Duration
}

// NewManager constructs a Manager, applying defaults for unset fields.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		base:           strings.TrimRight(cfg.BaseURL, "/"),
		sel:            DefaultSelectors(),
		logger:         cfg.Logger,
		probeTimeout:   cfg.ProbeTimeout,
		elementTimeout: cfg.ElementTimeout,
	}
	if m.base == "" {
		m.base = DefaultBaseURL
	}
	if cfg.Selectors != nil {
		m.sel = *cfg.Selectors
	}
	if m.logger == nil {
		m.logger = pslog.NoopLogger()
	}
	if m.probeTimeout <= 0 {
		m.probeTimeout = DefaultProbeTimeout
	}
	if m.elementTimeout <= 0 {
		m.elementTimeout = DefaultElementTimeout
	}
	return m
}

// Selectors returns the active selector set.
func (m *Manager) Selectors() Selectors {
	return m.sel
}

// BaseURL returns the portal root the manager targets.
func (m *Manager) BaseURL() string {
	return m.base
}

// Authenticate logs the session into the portal and verifies the
// post-login marker. The boolean is the contract: false means the portal
// did not accept the login. A non-nil error is attached for diagnostics
// when the failure came from the automation layer rather than the portal.
func (m *Manager) Authenticate(ctx context.Context, sess browser.Session, id, secret string) (bool, error) {
	if err := sess.Navigate(ctx, m.base, browser.WaitDOMContentLoaded); err != nil {
		return false, opErr("navigate portal root", err)
	}
	idField, err := sess.WaitForElement(ctx, m.sel.LoginID, m.elementTimeout)
	if err != nil {
		return false, opErr("locate id field", err)
	}
	if err := idField.Type(ctx, id); err != nil {
		return false, opErr("type id", err)
	}
	passField, err := sess.WaitForElement(ctx, m.sel.LoginPass, m.elementTimeout)
	if err != nil {
		return false, opErr("locate password field", err)
	}
	if err := passField.Type(ctx, secret); err != nil {
		return false, opErr("type password", err)
	}
	button, err := sess.WaitForElement(ctx, m.sel.LoginButton, m.elementTimeout)
	if err != nil {
		return false, opErr("locate login button", err)
	}
	if err := button.Click(ctx); err != nil {
		return false, opErr("click login", err)
	}
	marker, err := sess.WaitForElement(ctx, m.sel.LogoutMarker, m.elementTimeout)
	if errors.Is(err, browser.ErrElementNotFound) {
		// No marker after submit: the portal rejected the login.
		return false, nil
	}
	if err != nil {
		return false, opErr("wait for login marker", err)
	}
	text, err := marker.Text(ctx)
	if err != nil {
		return false, opErr("read login marker", err)
	}
	ok := containsAny(text, markerTexts)
	m.logger.Info("session.authenticate", "id", id, "ok", ok)
	return ok, nil
}

// ProbeAuthenticated checks non-destructively whether the session still
// carries an authenticated identity, using a short bounded wait.
func (m *Manager) ProbeAuthenticated(ctx context.Context, sess browser.Session) bool {
	marker, err := sess.WaitForElement(ctx, m.sel.LogoutMarker, m.probeTimeout)
	if err != nil {
		return false
	}
	text, err := marker.Text(ctx)
	if err != nil {
		return false
	}
	return containsAny(text, markerTexts)
}

// ReauthenticateIfNeeded probes the session and, when the portal has
// dropped it, runs Authenticate once. This is the only retry in the
// system; after a failed re-authentication the caller must give up.
// Callers re-navigate to their target page after a true result.
func (m *Manager) ReauthenticateIfNeeded(ctx context.Context, sess browser.Session, id, secret string) (bool, error) {
	if m.ProbeAuthenticated(ctx, sess) {
		return true, nil
	}
	m.logger.Warn("session.expired.reauthenticating", "id", id)
	return m.Authenticate(ctx, sess, id, secret)
}

func opErr(op string, err error) error {
	return fmt.Errorf("portal: %s: %w", op, err)
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
