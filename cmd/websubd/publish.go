package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"mauve.dev/websub"
)

var publishCmd = &cobra.Command{
	Use:   "publish [file]",
	Short: "Push content for a topic to a running hub",
	Long: `Publish content to a hub with remote publishing enabled. The content
comes from the file argument, or from standard input when the argument
is - or absent.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPublish,
}

var (
	publishHub         string
	publishTopic       string
	publishContentType string
)

func init() {
	publishCmd.Flags().StringVar(&publishHub, "hub", "http://localhost:8080/websub/hub", "hub endpoint")
	publishCmd.Flags().StringVarP(&publishTopic, "topic", "t", "", "topic URL to publish under")
	publishCmd.Flags().StringVar(&publishContentType, "content-type", "", "content type, sniffed when empty")

	publishCmd.MarkFlagRequired("topic")
}

func runPublish(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)

	if len(args) == 1 && args[0] != "-" {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}

	if err != nil {
		return errors.Wrap(err, "read content")
	}

	contentType := publishContentType

	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if err := websub.NewPublisher(publishHub).Publish(ctx, publishTopic, contentType, data); err != nil {
		return err
	}

	log.Infof("Published %d bytes to %s", len(data), publishTopic)

	return nil
}
