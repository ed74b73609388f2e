package service_test

import (
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/linemk/sendmoney/internal/domain/models"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func money(t *testing.T, s string) models.Money {
	t.Helper()
	m, err := models.ParseMoney(s)
	require.NoError(t, err)
	return m
}

var errBoom = errors.New("boom")
