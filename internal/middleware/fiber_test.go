package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiberCapture(t *testing.T) {
	rec := newFakeRecorder()
	app := fiber.New()
	app.Use(FiberCapture(rec, CaptureOptions{MaxBodyBytes: 1024}))
	app.Post("/users/:id/notes", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusAccepted).SendString("queued")
	})
	app.Get("/users/missing", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "no such user")
	})

	req := httptest.NewRequest(http.MethodPost, "/users/7/notes?draft=1", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/users/missing", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	got := rec.all()
	require.Len(t, got, 2)

	e := got[0].entry
	assert.Equal(t, "users", got[0].service)
	assert.Equal(t, "POST", e.Method)
	assert.Equal(t, "/users/7/notes?draft=1", e.URL)
	assert.Equal(t, fiber.StatusAccepted, e.StatusCode)
	assert.Equal(t, int64(len("queued")), e.ResSize)
	assert.Equal(t, "7", e.URLParams["id"])
	assert.Equal(t, "1", e.QueryParams["draft"])
	raw, _ := json.Marshal(e.Payload)
	assert.JSONEq(t, `{"text":"hi"}`, string(raw))

	assert.Equal(t, fiber.StatusNotFound, got[1].entry.StatusCode)
}
