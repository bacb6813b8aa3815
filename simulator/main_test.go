package main

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"chat-bridge/pkg/job"
	"chat-bridge/pkg/normalize"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomPayloadsAreAccepted(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	seen := map[job.Mode]bool{}
	for i := 0; i < 50; i++ {
		body, err := json.Marshal(randomPayload(rng))
		require.NoError(t, err)

		p, err := normalize.Parse(body)
		require.NoError(t, err, string(body))
		j, err := normalize.Normalize(p)
		require.NoError(t, err, string(body))
		seen[j.Mode] = true
	}
	assert.Len(t, seen, 3)
}

func TestSubmit(t *testing.T) {
	var got job.Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := job.Payload{To: job.Recipients{"15550000001"}, Type: job.ModeText, Message: "hi"}
	status, err := submit(context.Background(), srv.Client(), srv.URL+"/messages", p)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, p, got)
}
