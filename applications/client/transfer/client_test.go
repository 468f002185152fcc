package transfer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donmikel/chunkrelay/applications/protocol"
)

func TestRequestErrorTemporary(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{0, true},
		{http.StatusOK, true},
		{http.StatusBadRequest, false},
		{http.StatusConflict, false},
		{http.StatusRequestEntityTooLarge, false},
		{http.StatusFound, false},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
	}

	for _, tt := range tests {
		err := &RequestError{StatusCode: tt.status, Err: errors.New("x")}
		assert.Equal(t, tt.want, err.Temporary(), "status %d", tt.status)
	}
}

func TestClientSend(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   bool
		temporary bool
		message   string
	}{
		{"chunk saved", http.StatusOK, `{"success":true,"message":"Chunk 0 saved"}`, false, false, ""},
		{"server fault", http.StatusInternalServerError, `{"success":false,"error":"disk full"}`, true, true, "disk full"},
		{"client fault", http.StatusBadRequest, `{"success":false,"error":"invalid input"}`, true, false, "invalid input"},
		{"business failure", http.StatusOK, `{"success":false,"message":"try again"}`, true, true, "try again"},
		{"unparseable", http.StatusOK, `<html>oops</html>`, true, true, "unparseable response"},
		{"plain text fault", http.StatusBadGateway, `bad gateway`, true, true, "bad gateway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "7", r.FormValue(protocol.FieldChunks))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			counters := &Counters{}
			c := NewClient(srv.URL, nil, counters)

			resp, err := c.Send(context.Background(), protocol.NewChunk(protocol.Meta{TransferID: "t"}, 0, 7, []byte("abc")))
			assert.Positive(t, counters.Uploaded())
			assert.Equal(t, int64(len(tt.body)), counters.Downloaded())

			if !tt.wantErr {
				require.NoError(t, err)
				assert.True(t, resp.Success)
				return
			}

			var reqErr *RequestError
			require.ErrorAs(t, err, &reqErr)
			assert.Equal(t, tt.status, reqErr.StatusCode)
			assert.Equal(t, tt.temporary, reqErr.Temporary())
			assert.Equal(t, tt.message, reqErr.Message)
		})
	}
}

func TestClientSendTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, nil, nil).Send(context.Background(), protocol.NewFinalize(protocol.Meta{TransferID: "t"}, 1))

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Zero(t, reqErr.StatusCode)
	assert.True(t, reqErr.Temporary())
	assert.Equal(t, protocol.KindFinalize, reqErr.Kind)
}
