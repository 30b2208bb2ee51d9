package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/xinqiao/backend/internal/middleware"
	"github.com/zhouzirui/xinqiao/backend/internal/model/chat"
	"github.com/zhouzirui/xinqiao/backend/internal/model/user"
	chatService "github.com/zhouzirui/xinqiao/backend/internal/service/chat"
)

type fakeService struct {
	turns     []chat.Turn
	profile   *user.Profile
	err       error
	gotOwner  string
	gotConvID string
}

func (f *fakeService) Transcript(_ context.Context, convID, owner string) ([]chat.Turn, error) {
	f.gotConvID, f.gotOwner = convID, owner
	return f.turns, f.err
}

func (f *fakeService) EmotionProfile(_ context.Context, owner string) (*user.Profile, error) {
	f.gotOwner = owner
	return f.profile, f.err
}

func serve(svc Service, method, path, owner string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	New(svc, nil).RegisterRoutes(r)
	req := httptest.NewRequest(method, path, nil)
	if owner != "" {
		req.Header.Set(middleware.OwnerIDHeader, owner)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestMessages(t *testing.T) {
	svc := &fakeService{turns: []chat.Turn{
		{ID: "t1", ConversationID: "c1", Seq: 1, Role: chat.RoleUser, Content: "你好", CreatedAt: time.Now()},
		{ID: "t2", ConversationID: "c1", Seq: 2, Role: chat.RoleAssistant, Content: "你好呀", Metadata: map[string]any{"intent": "chat"}},
	}}
	rec := serve(svc, http.MethodGet, "/conversations/c1/messages", "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c1", svc.gotConvID)
	assert.Equal(t, "u1", svc.gotOwner)

	var view transcriptView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Len(t, view.Messages, 2)
	assert.Equal(t, chat.RoleAssistant, view.Messages[1].Role)
	assert.Equal(t, "chat", view.Messages[1].Metadata["intent"])
}

func TestMessagesErrors(t *testing.T) {
	assert.Equal(t, http.StatusNotFound,
		serve(&fakeService{err: chatService.ErrConversationNotFound}, http.MethodGet, "/conversations/x/messages", "").Code)
	assert.Equal(t, http.StatusForbidden,
		serve(&fakeService{err: chatService.ErrForbidden}, http.MethodGet, "/conversations/x/messages", "u2").Code)
	rec := serve(&fakeService{err: errors.New("db: connection reset")}, http.MethodGet, "/conversations/x/messages", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestEmotionProfile(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, serve(&fakeService{}, http.MethodGet, "/profile/emotion", "").Code)

	rec := serve(&fakeService{}, http.MethodGet, "/profile/emotion", "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	var empty profileView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &empty))
	assert.Equal(t, "u1", empty.UserID)
	assert.NotNil(t, empty.EmotionHistory)

	p := &user.Profile{ID: "u1", MentalHealthStatus: user.StatusAnxietyDisorder}
	p.Record(user.EmotionRecord{Emotion: "sad", Confidence: 0.7}, 0)
	rec = serve(&fakeService{profile: p}, http.MethodGet, "/profile/emotion", "u1")
	var view profileView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "sad", view.CurrentEmotion)
	require.Len(t, view.EmotionHistory, 1)
	assert.Equal(t, user.StatusAnxietyDisorder, view.MentalHealthStatus)
	assert.NotNil(t, view.EmotionUpdatedAt)
}
