// Package main запускает утилиту администратора сервиса персональных книг.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mmeshcher/storybook/internal/admin"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := admin.Execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
