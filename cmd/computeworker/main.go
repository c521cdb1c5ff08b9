/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command computeworker serves the compute procedures, either to a parent dispatcher over stdio or by polling a
// dispatcher's job queue over gRPC.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"

	logutil "github.com/AztecProtocol/aztec-connect-sub017/pkg/common/observability/logging"
	runserver "github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/server"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/transport"
	"github.com/AztecProtocol/aztec-connect-sub017/pkg/dispatch/util/env"
	"github.com/AztecProtocol/aztec-connect-sub017/version"
)

var (
	codecName    string
	logVerbosity int

	setupLog = ctrl.Log.WithName("setup")
)

var rootCmd = &cobra.Command{
	Use:   "computeworker",
	Short: "Serve compute procedures for a dispatcher",
	PersistentPreRunE: func(*cobra.Command, []string) error {
		logutil.SetVerbosity(logVerbosity)
		if _, err := wireCodec(); err != nil {
			return err
		}
		return nil
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "commit=%s build-ref=%s protocol=%s\n",
			version.CommitSHA, version.BuildRef, version.Protocol)
	},
}

func init() {
	logutil.InitSetupLogging()
	bootLog := setupLog.WithName("env")
	rootCmd.PersistentFlags().StringVar(&codecName, "codec",
		env.GetEnvString("CODEC", runserver.CodecMsgpack, bootLog), "Wire codec, msgpack or json.")
	rootCmd.PersistentFlags().IntVarP(&logVerbosity, "v", "v",
		env.GetEnvInt("LOG_VERBOSITY", logutil.DEFAULT, bootLog), "Number for the log level verbosity.")
	rootCmd.AddCommand(newStdioCommand(), newPollCommand(), versionCmd)
}

func wireCodec() (transport.Codec, error) {
	switch codecName {
	case runserver.CodecMsgpack:
		return transport.MsgpackCodec{}, nil
	case runserver.CodecJSON:
		return transport.JSONCodec{}, nil
	}
	return nil, fmt.Errorf("unexpected codec %q, it can only be one of [%s %s]",
		codecName, runserver.CodecJSON, runserver.CodecMsgpack)
}

func main() {
	rootCmd.SetContext(ctrl.SetupSignalHandler())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "computeworker failed: %v\n", err)
		os.Exit(1)
	}
}
