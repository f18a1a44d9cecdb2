package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"taskd/internal/domain"
)

type sent struct {
	to      []string
	subject string
	body    string
}

type fakeSender struct{ ch chan sent }

func (f *fakeSender) Send(_ context.Context, to []string, subject, body string) error {
	f.ch <- sent{to: to, subject: subject, body: body}
	return nil
}

type fakeSchedules map[string]domain.Schedule

func (f fakeSchedules) GetSchedule(_ context.Context, id string) (domain.Schedule, error) {
	s, ok := f[id]
	if !ok {
		return domain.Schedule{}, domain.NotFound("schedule", id)
	}
	return s, nil
}

func newTestMailer(t *testing.T) (*Mailer, *fakeSender) {
	t.Helper()
	schedules := fakeSchedules{"sch_1": {ID: "sch_1", Recipients: []domain.Recipient{
		{Email: "ops@example.com", OnStart: true, OnError: true, OnTimeout: true},
		{Email: "dev@example.com", OnSuccess: true, OnError: true},
	}}}
	sender := &fakeSender{ch: make(chan sent, 4)}
	m := NewMailer(schedules, sender, nil, Config{RatePerSec: 100})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
	return m, sender
}

func receive(t *testing.T, s *fakeSender) sent {
	t.Helper()
	select {
	case got := <-s.ch:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("no mail sent")
	}
	return sent{}
}

func TestMailer_RoutesByEvent(t *testing.T) {
	tests := []struct {
		status domain.LogStatus
		want   string
	}{
		{domain.LogSucceeded, "dev@example.com"},
		{domain.LogFailed, "ops@example.com,dev@example.com"},
		{domain.LogTimeout, "ops@example.com"},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			m, sender := newTestMailer(t)
			m.Published(context.Background(), domain.TaskLog{
				ID: "log_1", TaskID: "backup", JobID: "job_1", ScheduleID: "sch_1",
				Status: tt.status, Message: "result text",
			})
			got := receive(t, sender)
			if strings.Join(got.to, ",") != tt.want {
				t.Errorf("to = %v, want %s", got.to, tt.want)
			}
			if got.subject != "[taskd] backup "+string(tt.status) || !strings.Contains(got.body, "result text") {
				t.Errorf("mail = %+v", got)
			}
		})
	}
}

func TestMailer_Started(t *testing.T) {
	m, sender := newTestMailer(t)
	m.Started(context.Background(), domain.Job{ID: "job_1", TaskID: "backup", ScheduleID: "sch_1"})
	got := receive(t, sender)
	if len(got.to) != 1 || got.to[0] != "ops@example.com" || got.subject != "[taskd] backup started" {
		t.Errorf("mail = %+v", got)
	}
}

func TestMailer_SkipsUnscheduledAndUnknown(t *testing.T) {
	m, sender := newTestMailer(t)
	m.Published(context.Background(), domain.TaskLog{TaskID: "manual", Status: domain.LogFailed})
	m.Published(context.Background(), domain.TaskLog{TaskID: "gone", ScheduleID: "sch_x", Status: domain.LogFailed})
	m.Started(context.Background(), domain.Job{TaskID: "manual"})
	select {
	case got := <-sender.ch:
		t.Errorf("unexpected mail %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMailer_DropsWhenQueueFull(t *testing.T) {
	schedules := fakeSchedules{"sch_1": {ID: "sch_1", Recipients: []domain.Recipient{{Email: "a@example.com", OnError: true}}}}
	m := NewMailer(schedules, &fakeSender{ch: make(chan sent, 1)}, nil, Config{QueueSize: 1})
	entry := domain.TaskLog{TaskID: "t", ScheduleID: "sch_1", Status: domain.LogFailed}
	m.Published(context.Background(), entry)
	m.Published(context.Background(), entry)
	if len(m.queue) != 1 {
		t.Errorf("queued = %d, want 1", len(m.queue))
	}
}

func TestSMTPSender_Send(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "mail.example.com", Port: 587, Username: "u", Password: "p", From: "taskd@example.com"})
	var gotAddr string
	var gotMsg []byte
	s.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		if a == nil {
			t.Error("expected auth")
		}
		gotAddr, gotMsg = addr, msg
		return nil
	}
	if err := s.Send(context.Background(), []string{"a@example.com", "b@example.com"}, "hi", "line1\nline2"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAddr != "mail.example.com:587" {
		t.Errorf("addr = %s", gotAddr)
	}
	msg := string(gotMsg)
	for _, want := range []string{"To: a@example.com, b@example.com\r\n", "Subject: hi\r\n", "\r\n\r\nline1\r\nline2"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}

	if err := s.Send(context.Background(), []string{"a@example.com"}, "job\r\nBcc: evil@example.com", "y"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg := string(gotMsg); !strings.Contains(msg, "Subject: job Bcc: evil@example.com\r\n") || strings.Contains(msg, "\r\nBcc:") {
		t.Errorf("line break in subject reached the headers:\n%s", msg)
	}

	s.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }
	if err := s.Send(context.Background(), []string{"a@example.com"}, "x", "y"); err == nil || !strings.Contains(err.Error(), "refused") {
		t.Errorf("Send = %v, want wrapped error", err)
	}
}
