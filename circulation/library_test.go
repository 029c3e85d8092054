package circulation_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/circulation/store"
)

func TestNew_WithoutLogger_DiscardsOutput(t *testing.T) {
	// GIVEN: A process-wide default logger writing to a buffer
	// WHEN: A library built without WithLogger registers a book
	// THEN: Nothing reaches the process default logger

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	lib := circulation.New(store.NewMemory())
	_, err := lib.Books.Register(context.Background(), circulation.BookInput{
		ISBN:   "9780306406157",
		Title:  "Pedro Páramo",
		Author: "Juan Rulfo",
	})

	require.NoError(t, err)
	assert.Empty(t, buf.String())
}

func TestNew_WithLogger_ReceivesEngineLogs(t *testing.T) {
	var buf bytes.Buffer
	lib := circulation.New(store.NewMemory(),
		circulation.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	_, err := lib.Books.Register(context.Background(), circulation.BookInput{
		ISBN:   "9780306406157",
		Title:  "Pedro Páramo",
		Author: "Juan Rulfo",
	})

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "book registered")
	assert.Contains(t, buf.String(), "component=circulation")
}
