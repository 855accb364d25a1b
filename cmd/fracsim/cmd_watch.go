package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"fracflow.ai/internal/protocol"
)

var (
	watchURL     string
	watchMaxRows int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the live avalanche feed of a running simulation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchFeed(cmd.Context(), watchURL, watchMaxRows, cmd.OutOrStdout())
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "ws://127.0.0.1:8080/v1/feed", "feed url")
	watchCmd.Flags().IntVar(&watchMaxRows, "rows", 0, "avalanche rows to print per batch")
	rootCmd.AddCommand(watchCmd)
}

// watchFeed prints the feed until DONE, a server close or ctx cancellation.
func watchFeed(ctx context.Context, url string, maxRows int, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sub := protocol.SubscribeMsg{
		Type:            protocol.TypeSubscribe,
		ProtocolVersion: protocol.Version,
		MaxRows:         maxRows,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("send SUBSCRIBE: %w", err)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			fmt.Fprintf(out, "WELCOME session=%s iterations=%d delta_p=%v s=[%v,%v) seed=%d events=%d\n",
				w.SessionID, w.Run.Iterations, w.Run.DeltaP, w.Run.SMin, w.Run.SMax, w.Run.Seed, w.Events)

		case protocol.TypeBatch:
			var b protocol.BatchMsg
			if err := json.Unmarshal(msg, &b); err != nil {
				continue
			}
			fmt.Fprintf(out, "BATCH flush=%d seq=%d..%d rows=%d events=%d max_size=%d energy=%.4g local=%d interior=%d l_max=%d\n",
				b.Flush, b.FirstSeq, b.LastSeq, b.Rows, b.Events, b.MaxSize, b.Energy, b.LocalInvasions, b.Interior, b.LMax)
			for _, a := range b.Avalanches {
				fmt.Fprintf(out, "  seq=%d step=%d trigger=%d size=%d slips=%d energy=%.4g\n", a.Seq, a.Step, a.Trigger, a.Size, a.Slips, a.Energy)
			}

		case protocol.TypeDone:
			var d protocol.DoneMsg
			if err := json.Unmarshal(msg, &d); err != nil {
				continue
			}
			fmt.Fprintf(out, "DONE events=%d steps=%d invaded=%d l_max=%d elapsed_ms=%d code=%s\n",
				d.Events, d.Steps, d.Invaded, d.LMax, d.ElapsedMs, d.Code)
			return nil

		case protocol.TypeError:
			var e protocol.ErrorMsg
			_ = json.Unmarshal(msg, &e)
			return fmt.Errorf("feed error %s: %s", e.Code, e.Message)
		}
	}
}
