package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/WadkarNaved15/moq/media"
	"github.com/WadkarNaved15/moq/moq"
)

// clockLayout is the payload of every frame.
const clockLayout = "2006-01-02 15:04:05"

// publishClock writes one frame per tick. Each minute opens a new group, so
// a late subscriber starts at the top of the current minute.
func publishClock(ctx context.Context, track *moq.TrackProducer, ticks <-chan time.Time, start time.Time) error {
	producer := media.NewTrackProducer(track)
	defer producer.Close()

	lastMinute := -1
	for {
		select {
		case <-ctx.Done():
			return nil
		case now, ok := <-ticks:
			if !ok {
				return nil
			}
			minute := now.Minute()
			frame := media.Frame{
				Keyframe:  minute != lastMinute,
				Timestamp: media.TimestampFromDuration(now.Sub(start)),
				Payload:   []byte(now.UTC().Format(clockLayout)),
			}
			lastMinute = minute
			if err := producer.WriteFrame(frame); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}
		}
	}
}

// printClock writes every received frame to w, one per line, until the track
// ends or ctx is cancelled.
func printClock(ctx context.Context, consumer *media.TrackConsumer, w io.Writer) error {
	for {
		frame, err := consumer.ReadFrame(ctx)
		if err != nil {
			if moq.IsEnd(err) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", frame.Payload); err != nil {
			return err
		}
	}
}
