package portal

import (
	"context"
	"errors"
	"strings"

	"pkt.systems/portald/internal/browser"
)

// Schedule is the weekly timetable.
type Schedule struct {
	Rows []string `json:"rows"`
}

// Profile carries the score/transcript page contents.
type Profile struct {
	Rows []string `json:"rows"`
}

// ExamSchedule is the upcoming exam timetable.
type ExamSchedule struct {
	Rows []string `json:"rows"`
}

// Tuition carries the tuition-fee statement.
type Tuition struct {
	Rows []string `json:"rows"`
}

// FetchSchedule retrieves the weekly timetable page.
func (m *Manager) FetchSchedule(ctx context.Context, sess browser.Session, id, secret string) (*Schedule, error) {
	rows, err := m.fetchPage(ctx, sess, id, secret, pageSchedule, m.sel.ScheduleTable)
	if err != nil {
		return nil, err
	}
	return &Schedule{Rows: rows}, nil
}

// FetchProfile retrieves the score/transcript page.
func (m *Manager) FetchProfile(ctx context.Context, sess browser.Session, id, secret string) (*Profile, error) {
	rows, err := m.fetchPage(ctx, sess, id, secret, pageProfile, m.sel.ProfileTable)
	if err != nil {
		return nil, err
	}
	return &Profile{Rows: rows}, nil
}

// FetchExamSchedule retrieves the exam timetable page.
func (m *Manager) FetchExamSchedule(ctx context.Context, sess browser.Session, id, secret string) (*ExamSchedule, error) {
	rows, err := m.fetchPage(ctx, sess, id, secret, pageExams, m.sel.ExamTable)
	if err != nil {
		return nil, err
	}
	return &ExamSchedule{Rows: rows}, nil
}

// FetchTuition retrieves the tuition-fee page.
func (m *Manager) FetchTuition(ctx context.Context, sess browser.Session, id, secret string) (*Tuition, error) {
	rows, err := m.fetchPage(ctx, sess, id, secret, pageTuition, m.sel.TuitionTable)
	if err != nil {
		return nil, err
	}
	return &Tuition{Rows: rows}, nil
}

// fetchPage validates the session (with the single re-auth retry),
// navigates to the page, and reads the data table. ErrSessionExpired and
// ErrNoData are soft outcomes; anything else is an automation failure.
func (m *Manager) fetchPage(ctx context.Context, sess browser.Session, id, secret, path, tableSelector string) ([]string, error) {
	ok, err := m.ReauthenticateIfNeeded(ctx, sess, id, secret)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionExpired
	}
	pageURL := m.base + path
	if err := sess.Navigate(ctx, pageURL, browser.WaitLoad); err != nil {
		return nil, opErr("navigate "+path, err)
	}
	table, err := sess.WaitForElement(ctx, tableSelector, m.elementTimeout)
	if errors.Is(err, browser.ErrElementNotFound) {
		return nil, ErrNoData
	}
	if err != nil {
		return nil, opErr("wait for table on "+path, err)
	}
	text, err := table.Text(ctx)
	if err != nil {
		return nil, opErr("read table on "+path, err)
	}
	rows := splitRows(text)
	if len(rows) == 0 {
		return nil, ErrNoData
	}
	return rows, nil
}

func splitRows(text string) []string {
	var rows []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rows = append(rows, line)
	}
	return rows
}
