// Command meridianctl is the client-side CLI: it opens a session against
// a cluster member, then drives Submitter/Sequencer/KeepAliveLoop to
// issue put/get/delete operations. Talks to the cluster over pkg/rpc.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/meridianio/meridian/pkg/clientsession"
	"github.com/meridianio/meridian/pkg/keepalive"
	"github.com/meridianio/meridian/pkg/log"
	"github.com/meridianio/meridian/pkg/primitives/kvstate"
	"github.com/meridianio/meridian/pkg/rpc"
	"github.com/meridianio/meridian/pkg/submitter"
	"github.com/meridianio/meridian/pkg/types"
)

var (
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "meridianctl",
	Short:   "meridianctl talks to a meridian cluster as a client session",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("addr", "127.0.0.1:7100", "Cluster member address")
	rootCmd.PersistentFlags().Duration("session-timeout", 10*time.Second, "Session timeout")
	rootCmd.AddCommand(putCmd, getCmd, deleteCmd)
}

func openClient(cmd *cobra.Command) (*rpc.Client, *clientsession.State, func(), error) {
	addr, _ := cmd.Flags().GetString("addr")
	sessionTimeout, _ := cmd.Flags().GetDuration("session-timeout")

	c, err := rpc.Dial(addr)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fut := c.OpenSession(ctx, types.OpenSessionRequest{
		ClientID:      uuid.NewString(),
		TimeoutMillis: uint64(sessionTimeout.Milliseconds()),
	})
	resp, err := fut.Wait(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("meridianctl: open session: %w", err)
	}
	if resp.Kind != types.Ok {
		return nil, nil, nil, fmt.Errorf("meridianctl: open session rejected: %s", resp.Kind)
	}

	state := clientsession.New(resp.SessionID)
	loop := keepalive.New(c, state, sessionTimeout, 0, func(id uint64, err error) {
		log.WithComponent("meridianctl").Warn().Uint64("session_id", id).Err(err).Msg("session lost")
	})
	loopCtx, stopLoop := context.WithCancel(context.Background())
	go loop.Run(loopCtx)

	cleanup := func() {
		stopLoop()
		_ = c.Close()
	}
	return c, state, cleanup, nil
}

var putCmd = &cobra.Command{
	Use:   "put [key] [value]",
	Short: "Put a key/value pair",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, state, cleanup, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		sub := submitter.New(c, state, nil)
		defer sub.Close()

		payload, err := json.Marshal(kvstate.PutRequest{Key: args[0], Value: []byte(args[1])})
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fut := sub.Submit(ctx, types.Operation{ID: kvstate.OpPut, Kind: types.Command, Payload: payload})
		result, err := fut.Wait(ctx)
		if err != nil {
			return err
		}
		fmt.Println(string(result))
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a key's current value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, state, cleanup, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		sub := submitter.New(c, state, nil)
		defer sub.Close()

		payload, err := json.Marshal(kvstate.GetRequest{Key: args[0]})
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fut := sub.Submit(ctx, types.Operation{ID: kvstate.OpGet, Kind: types.Query, Payload: payload})
		result, err := fut.Wait(ctx)
		if err != nil {
			return err
		}
		fmt.Println(string(result))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [key]",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, state, cleanup, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		sub := submitter.New(c, state, nil)
		defer sub.Close()

		payload, err := json.Marshal(kvstate.DeleteRequest{Key: args[0]})
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fut := sub.Submit(ctx, types.Operation{ID: kvstate.OpDelete, Kind: types.Command, Payload: payload})
		_, err = fut.Wait(ctx)
		return err
	},
}
