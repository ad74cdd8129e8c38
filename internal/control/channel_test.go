package control

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOps struct {
	installVersion string
	installErr     error
	updateVersion  string
	updateErr      error
	check          Reply
	checkErr       error
	panicOn        string

	mu    sync.Mutex
	calls []string
}

func (f *fakeOps) record(op string) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
	if f.panicOn == op {
		panic("boom")
	}
}

func (f *fakeOps) Install(context.Context) (string, error) {
	f.record(TypeInstall)
	return f.installVersion, f.installErr
}

func (f *fakeOps) Update(context.Context) (string, error) {
	f.record(TypeUpdate)
	return f.updateVersion, f.updateErr
}

func (f *fakeOps) CheckVersion(context.Context) (Reply, error) {
	f.record(TypeCheck)
	return f.check, f.checkErr
}

type replyRecorder struct {
	replies []Reply
}

func (r *replyRecorder) Send(reply Reply) bool {
	r.replies = append(r.replies, reply)
	return true
}

func newTestLogger() (*logrus.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.DebugLevel)
	return logger, buf
}

func TestChannelRepliesToSender(t *testing.T) {
	logger, _ := newTestLogger()
	ops := &fakeOps{installVersion: "1.0", updateVersion: "1.1"}
	ch := NewChannel(ops, logger)

	source := &replyRecorder{}
	ch.Handle(context.Background(), Message{Type: TypeInstall}, source)
	ch.Handle(context.Background(), Message{Type: TypeUpdate}, source)

	require.Len(t, source.replies, 2)
	assert.Equal(t, Reply{Message: MessageInstallComplete, LatestVersion: "1.0"}, source.replies[0])
	assert.Equal(t, Reply{Message: MessageUpdateComplete, LatestVersion: "1.1"}, source.replies[1])
}

func TestChannelConvertsErrorsToReplies(t *testing.T) {
	logger, buf := newTestLogger()
	ops := &fakeOps{updateErr: errors.New("fetch manifest: 503")}
	ch := NewChannel(ops, logger)

	source := &replyRecorder{}
	ch.Handle(context.Background(), Message{Type: TypeUpdate}, source)

	require.Len(t, source.replies, 1)
	assert.Equal(t, MessageError, source.replies[0].Message)
	assert.Equal(t, "fetch manifest: 503", source.replies[0].Error)
	assert.Contains(t, buf.String(), "control_operation_failed")
}

func TestChannelRecoversPanics(t *testing.T) {
	logger, buf := newTestLogger()
	ch := NewChannel(&fakeOps{panicOn: TypeInstall}, logger)

	source := &replyRecorder{}
	assert.NotPanics(t, func() {
		ch.Handle(context.Background(), Message{Type: TypeInstall}, source)
	})
	require.Len(t, source.replies, 1)
	assert.Equal(t, MessageError, source.replies[0].Message)
	assert.Contains(t, source.replies[0].Error, "boom")
	assert.Contains(t, buf.String(), "control_panic")
}

func TestChannelIgnoresUnknownType(t *testing.T) {
	logger, buf := newTestLogger()
	ops := &fakeOps{}
	ch := NewChannel(ops, logger)

	source := &replyRecorder{}
	ch.Handle(context.Background(), Message{Type: "reboot"}, source)

	assert.Empty(t, source.replies)
	assert.Empty(t, ops.calls)
	assert.Contains(t, buf.String(), "control_unknown_message")
}

func TestChannelDropsReplyWithoutSource(t *testing.T) {
	logger, buf := newTestLogger()
	ops := &fakeOps{installErr: errors.New("disk full")}
	ch := NewChannel(ops, logger)

	assert.NotPanics(t, func() {
		ch.Handle(context.Background(), Message{Type: TypeInstall}, nil)
	})
	assert.Equal(t, []string{TypeInstall}, ops.calls)
	assert.Contains(t, buf.String(), "control_reply_dropped")
}

func TestChannelCheckPassesReplyThrough(t *testing.T) {
	logger, _ := newTestLogger()
	want := Reply{Message: MessageNewVersion, LatestVersion: "2.0", CurrentVersion: "1.0"}
	ch := NewChannel(&fakeOps{check: want}, logger)

	var got []Reply
	ch.Handle(context.Background(), Message{Type: TypeCheck}, SourceFunc(func(r Reply) bool {
		got = append(got, r)
		return true
	}))
	assert.Equal(t, []Reply{want}, got)
}
