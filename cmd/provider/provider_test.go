package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func call(t *testing.T, r *gin.Engine, query string) string {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stubs/handler_api.php?"+query, nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestMockProvider_Lifecycle(t *testing.T) {
	gin.SetMode(gin.TestMode)
	p := NewMockProvider("k", "wa", 1, time.Hour)
	r := SetupRouter(NewHandler(p))

	assert.Equal(t, ReplyBadKey, call(t, r, "action=getNumber&api_key=nope"))
	assert.Equal(t, ReplyBadAction, call(t, r, "action=buy&api_key=k"))
	assert.Equal(t, ReplyBadService, call(t, r, "action=getNumber&api_key=k&service=tg&country=51"))

	reply := call(t, r, "action=getNumber&api_key=k&service=wa&country=51")
	parts := strings.Split(reply, ":")
	require.Len(t, parts, 3, reply)
	assert.Equal(t, "ACCESS_NUMBER", parts[0])
	assert.True(t, strings.HasPrefix(parts[2], "51"))

	id := parts[1]
	assert.Equal(t, ReplyWaitCode, call(t, r, "action=getStatus&api_key=k&id="+id))
	assert.Equal(t, ReplyAccessCancel, call(t, r, "action=setStatus&api_key=k&status=8&id="+id))
	assert.Equal(t, ReplyCancelled, call(t, r, "action=getStatus&api_key=k&id="+id))
	assert.Equal(t, ReplyNoActivation, call(t, r, "action=getStatus&api_key=k&id=1"))
}

func TestMockProvider_CodeArrives(t *testing.T) {
	p := NewMockProvider("k", "wa", 1, 0)

	reply := p.getNumber("wa", 66)
	id := strings.Split(reply, ":")[1]

	assert.True(t, strings.HasPrefix(p.getStatus(id), "STATUS_OK:"))
	assert.Equal(t, ReplyEarlyCancel, p.setStatus(id, 8))
}

func TestMockProvider_OutOfStock(t *testing.T) {
	p := NewMockProvider("k", "wa", 0, 0)
	assert.Equal(t, ReplyNoNumbers, p.getNumber("wa", 51))
}
