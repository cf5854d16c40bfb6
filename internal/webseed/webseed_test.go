package webseed

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/yoep/torrentcore/internal/logger"
	"github.com/yoep/torrentcore/internal/piece"
)

func TestFetchPieceSlicesResponseIntoParts(t *testing.T) {
	body := make([]byte, piece.PartLength*2)
	for i := range body {
		body[i] = byte(i)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body)
	}))
	defer srv.Close()

	p, err := New(srv.URL, logger.New("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pc := piece.New(0, 0, uint32(len(body)), make([]byte, 20), false)
	go p.fetchPiece(pc)

	res := <-p.PieceDoneC
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if len(res.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(res.Parts))
	}
	for idx, data := range res.Parts {
		want := body[idx*piece.PartLength : idx*piece.PartLength+uint32(len(data))]
		for i := range data {
			if data[i] != want[i] {
				t.Fatalf("part %d byte %d mismatch", idx, i)
			}
		}
	}
}

func TestNewRejectsInvalidURL(t *testing.T) {
	if _, err := New("://bad", logger.New("test")); err == nil {
		t.Fatal("expected error for invalid URL")
	}
}
