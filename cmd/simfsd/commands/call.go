package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ajaxzhan/simfs/internal/config"
	"github.com/ajaxzhan/simfs/internal/server"
)

var (
	callAddr    string
	callTimeout time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call METHOD [JSON]",
	Short: "Invoke a FileSystem method on a running server",
	Long: `Invoke a FileSystem method on a running server and print the JSON response.

Examples:
  simfsd call Mkdir '{"actor":{"uid":0},"path":"/home/alice","parents":true}'
  simfsd call ReadFile '{"actor":{"uid":1,"gid":10},"path":"/etc/motd"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringVar(&callAddr, "addr", "", "server address (default: server.grpc_addr)")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 10*time.Second, "call timeout")
}

func runCall(cmd *cobra.Command, args []string) error {
	addr := callAddr
	if addr == "" {
		cfg, err := config.LoadOrDefault(cfgFile)
		if err != nil {
			return err
		}
		addr = cfg.Server.GRPCAddr
	}

	req := &server.Request{}
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), req); err != nil {
			return fmt.Errorf("invalid request JSON: %w", err)
		}
	}

	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	resp, err := client.Call(ctx, args[0], req)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	return nil
}
