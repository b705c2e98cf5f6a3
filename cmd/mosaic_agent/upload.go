package main

import (
	"fmt"
	"os"

	"github.com/jonathan/mosaic-agent/internal/mosaic"
	"github.com/jonathan/mosaic-agent/internal/observability"
	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload a local video file",
	Long: `Upload a video in three steps: request a signed upload URL, POST the file as a signed form
(files over 5GB are rejected), then finalize the upload. Prints the new video ID.`,
	RunE: runUpload,
}

var (
	uploadFile        string
	uploadContentType string
)

func init() {
	uploadCmd.Flags().StringVarP(&uploadFile, "file", "f", "", "Path to local video file")
	uploadCmd.Flags().StringVar(&uploadContentType, "content-type", "", "Explicit Content-Type for the file (e.g., video/mp4)")

	_ = uploadCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, _ []string) error {
	info, err := os.Stat(uploadFile)
	if err != nil {
		return fmt.Errorf("file not found: %s", uploadFile)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", uploadFile)
	}

	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	ctx, stop := commandContext(cmd)
	defer stop()

	printer := observability.NewPrinter(cmd.OutOrStdout())
	printer.Printf("📤 Uploading %s (%.2f MB, %s)", uploadFile, float64(info.Size())/(1024*1024), mosaic.GuessContentType(uploadFile, uploadContentType))

	videoID, err := client.UploadVideo(ctx, uploadFile, uploadContentType, func(step string, ticket *mosaic.UploadTicket) {
		switch step {
		case "upload_url":
			printer.Printf("   ✅ Got video_id: %s", ticket.VideoID)
		case "uploaded":
			printer.Printf("   ✅ Uploaded via signed form")
		case "finalized":
			printer.Printf("   ✅ Finalized")
		}
	})
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	printer.Printf("✅ Upload complete\nvideo_id %s", videoID)
	return nil
}
