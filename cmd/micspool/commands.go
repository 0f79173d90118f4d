package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-audio/wav"
	"github.com/micspool/micspool"
	"github.com/micspool/micspool/internal/capture"
	"github.com/micspool/micspool/internal/store"
	"github.com/micspool/micspool/internal/store/factory"
	"github.com/micspool/micspool/internal/uploader"
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

func buildRoot() *cobra.Command {
	gf := &GlobalFlags{}

	root := &cobra.Command{
		Use:          "micspool",
		Short:        "Unattended microphone recording agent with S3 spooling",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&gf.ConfigPath, "config", "c", "", "path to TOML config file")

	root.AddCommand(newRunCmd(gf))
	root.AddCommand(newDoctorCmd(gf))
	root.AddCommand(newSpoolCmd(gf))
	root.AddCommand(newVersionCmd())
	return root
}

func loadConfig(gf *GlobalFlags) (*micspool.Config, error) {
	if gf.ConfigPath == "" {
		cfg := micspool.DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("no config file and environment incomplete: %w", err)
		}
		return cfg, nil
	}
	return micspool.LoadConfig(gf.ConfigPath)
}

func newRunCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Record sessions during the daily window and upload them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			agent, err := micspool.New(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return agent.Run(ctx)
		},
	}
}

func newDoctorCmd(gf *GlobalFlags) *cobra.Command {
	df := &DoctorFlags{}
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the input device, make a short test recording, and verify it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), gf, df)
		},
	}
	cmd.Flags().DurationVar(&df.Capture, "capture", 2*time.Second, "length of the test recording")
	cmd.Flags().BoolVar(&df.Keep, "keep", false, "keep the test recording file")
	cmd.Flags().BoolVar(&df.Remote, "remote", false, "also verify object storage access")
	return cmd
}

func runDoctor(ctx context.Context, gf *GlobalFlags, df *DoctorFlags) error {
	info, err := capture.Probe()
	if err != nil {
		return fmt.Errorf("input device: %w", err)
	}
	fmt.Printf("input device:  %s\n", info.Name)
	fmt.Printf("sample rate:   %d Hz (device default)\n", info.DefaultSampleRate)
	fmt.Printf("max channels:  %d\n", info.MaxInputChannels)

	if df.Capture > 0 {
		path, err := testRecording(ctx, info, df)
		if err != nil {
			return err
		}
		if !df.Keep {
			_ = os.Remove(path)
		} else {
			fmt.Printf("test file:     %s\n", path)
		}
	}

	if df.Remote {
		cfg, err := loadConfig(gf)
		if err != nil {
			return err
		}
		remote, err := uploader.NewS3Store(cfg.S3())
		if err != nil {
			return err
		}
		if err := remote.Ensure(ctx); err != nil {
			return fmt.Errorf("object storage: %w", err)
		}
		fmt.Printf("storage:       bucket %q reachable\n", cfg.Storage.Bucket)
	}
	fmt.Println("ok")
	return nil
}

// testRecording captures a short clip to a temp file and decodes it back to
// prove the whole capture path works end to end.
func testRecording(ctx context.Context, info capture.DeviceInfo, df *DoctorFlags) (string, error) {
	format := capture.Format{SampleRate: info.DefaultSampleRate, Channels: 1, BitDepth: 16}
	rec := capture.New(capture.NewPortAudioDevice(), format, 0, nil)

	path := filepath.Join(os.TempDir(), fmt.Sprintf("micspool_doctor_%d.wav", os.Getpid()))
	fmt.Printf("recording %s test clip...\n", df.Capture)
	res, err := rec.Capture(ctx, df.Capture, path)
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("test recording: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	dec := wav.NewDecoder(f)
	dur, err := dec.Duration()
	if err != nil || !dec.IsValidFile() {
		_ = os.Remove(path)
		return "", fmt.Errorf("test recording does not decode: %v", err)
	}
	fmt.Printf("test clip:     %s captured, %s decoded, %d bytes\n", res.Captured, dur.Round(time.Millisecond), res.Bytes)
	return path, nil
}

func newSpoolCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "spool",
		Short: "List upload tasks still tracked on this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			db, err := factory.NewFromDSN(cfg.Spool.DSN)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			ctx := cmd.Context()
			if err := db.EnsureSchema(ctx); err != nil {
				return err
			}
			var out []store.Task
			for _, st := range []store.Status{
				store.StatusPending, store.StatusUploading, store.StatusUploaded, store.StatusAbandoned,
			} {
				tasks, err := db.ListByStatus(ctx, st)
				if err != nil {
					return err
				}
				out = append(out, tasks...)
			}
			if out == nil {
				out = []store.Task{}
			}
			printJSON(out)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
