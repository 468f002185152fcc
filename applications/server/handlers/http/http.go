package http

import (
	"net/http"
	"time"

	"github.com/go-kit/log"

	"github.com/donmikel/chunkrelay/applications/server"
	"github.com/donmikel/chunkrelay/applications/server/config"
)

// Chunks of a large recording may trickle in over slow links.
const readTimeout = 5 * time.Minute

func NewHTTPServer(conf config.Api, chunkService server.ChunkService, logger log.Logger) *http.Server {
	mux := NewRouter(chunkService, logger)
	return &http.Server{
		Addr:              conf.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
	}
}
