package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zeusync/meshtext/internal/core/protocol"
)

var segmentLimit int

var segmentCmd = &cobra.Command{
	Use:   "segment [text...]",
	Short: "Show how a text is split into segments",
	Long: `Print the segments a text would be transmitted as. The text is taken
from the arguments, or from stdin when none are given.`,
	RunE: runSegment,
}

func init() {
	segmentCmd.Flags().IntVarP(&segmentLimit, "limit", "l", protocol.DefaultByteLimit, "Byte limit per segment")
}

func runSegment(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	if len(args) == 0 {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		text = strings.TrimSuffix(string(data), "\n")
	}

	segments, err := protocol.Encode(text, segmentLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d bytes, %d segment(s) of at most %d bytes\n", len(text), len(segments), segmentLimit)
	for i, seg := range segments {
		fmt.Fprintf(out, "%3d/%d %4d  %q\n", i+1, len(segments), len(seg), seg)
	}
	return nil
}
