package main

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// barChannel renders job progress events on a terminal progress bar.
type barChannel struct {
	mu  sync.Mutex
	w   io.Writer
	bar *progressbar.ProgressBar
}

func newBarChannel(w io.Writer) *barChannel {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("starting"),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	return &barChannel{w: w, bar: bar}
}

func (b *barChannel) Send(_ context.Context, msg []byte) error {
	var ev struct {
		Message  string `json:"message"`
		Progress int    `json:"progress"`
	}
	if err := json.Unmarshal(msg, &ev); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bar.Describe(ev.Message)
	return b.bar.Set(ev.Progress)
}

func (b *barChannel) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := io.WriteString(b.w, "\n")
	return err
}
