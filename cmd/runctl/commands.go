// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/browsertest-runner/internal/domain"
	"github.com/adiadia/browsertest-runner/internal/framing"
	"github.com/spf13/cobra"
)

func newTriggerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger <testId>",
		Short: "Start a run of a test case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}

			followRun, _ := cmd.Flags().GetBool("follow")
			if !followRun {
				msg, err := client.Trigger(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), msg)
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Subscribe first so a fast run cannot finish unseen.
			stream, err := client.Subscribe(ctx, args[0])
			if err != nil {
				return err
			}
			defer stream.Close()

			msg, err := client.Trigger(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return follow(ctx, cmd, stream)
		},
	}

	cmd.Flags().BoolP("follow", "f", false, "Watch live events until the run finishes")
	return cmd
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [testId]",
		Short: "Print live run events",
		Long:  "Print live run events from the server. Without a test id every test is watched and the command runs until interrupted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}

			testID := ""
			if len(args) == 1 {
				testID = args[0]
			}
			return watch(cmd, client, testID)
		},
	}
}

func watch(cmd *cobra.Command, client *apiClient, testID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := client.Subscribe(ctx, testID)
	if err != nil {
		return err
	}
	defer stream.Close()
	return follow(ctx, cmd, stream)
}

func follow(ctx context.Context, cmd *cobra.Command, stream *liveStream) error {
	out := cmd.OutOrStdout()
	status, err := stream.Follow(ctx, func(msg liveMessage) {
		fmt.Fprintf(out, "%s %s %s\n", time.Now().Format(time.TimeOnly), msg.Event, msg.Data)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return err
	}
	if status == domain.RunFailed {
		return fmt.Errorf("test %s failed", stream.testID)
	}
	return nil
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <testId>",
		Short: "Print the current state of a test case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}

			tc, err := client.TestCase(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			asJSON, _ := cmd.Flags().GetBool("json")
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(tc)
			}
			printTestCase(cmd.OutOrStdout(), tc)
			return nil
		},
	}

	cmd.Flags().Bool("json", false, "Print the raw JSON document")
	return cmd
}

func printTestCase(w io.Writer, tc testCaseView) {
	live := ""
	if tc.Live {
		live = " (live)"
	}
	fmt.Fprintf(w, "%s %s: %s%s\n", tc.ID, tc.Name, tc.Status, live)
	if tc.Duration != nil {
		fmt.Fprintf(w, "duration: %.0fms\n", *tc.Duration)
	}
	if tc.LastResult != nil {
		fmt.Fprintf(w, "result: %s\n", *tc.LastResult)
	}
	for i, st := range tc.Steps {
		fmt.Fprintf(w, "  %2d. [%s] %s", i, st.Status, st.Name)
		if st.Duration > 0 {
			fmt.Fprintf(w, " %.0fms", st.Duration)
		}
		if st.Error != nil {
			fmt.Fprintf(w, " error=%q", *st.Error)
		}
		if st.ScreenshotURL != "" {
			fmt.Fprintf(w, " screenshot=%s", st.ScreenshotURL)
		}
		fmt.Fprintln(w)
	}
}

func newReplayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replay [file]",
		Short: "Decode a captured runner stdout and print its events",
		Long:  "Decode framed events from a file, or stdin when no file is given, and print one line per event.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return replay(cmd.Context(), in, cmd.OutOrStdout())
		},
	}
}

// replay prints each decodable frame and skips malformed ones.
func replay(ctx context.Context, in io.Reader, out io.Writer) error {
	logger := newLogger()
	dec := framing.NewDecoder()

	var events, malformed int
	residual, err := dec.ReadFrames(ctx, in, func(frame []byte) error {
		var ev domain.Event
		if err := json.Unmarshal(frame, &ev); err != nil || ev.Type == "" {
			malformed++
			logger.Warn("skipping malformed frame", "bytes", len(frame))
			return nil
		}
		events++
		fmt.Fprintf(out, "%s %s\n", ev.Type, ev.Payload)
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "events=%d malformed=%d residual_bytes=%d\n", events, malformed, residual)
	return nil
}
