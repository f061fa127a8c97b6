////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

// Package cmd initializes the CLI and config parsers as well as the logger.
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"github.com/echoverse/echoverse-client/chat"
	"github.com/echoverse/echoverse-client/presence"
	"github.com/echoverse/echoverse-client/rest"
	"github.com/echoverse/echoverse-client/ws"
)

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen once
// to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "echoverse-client",
	Short: "Runs a conversation client for the echoverse platform",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		initLog(viper.GetUint("logLevel"), viper.GetString("log"))

		me := chat.UserID(viper.GetString("userid"))
		if me == "" {
			jww.FATAL.Panicf("A user ID is required; set --userid")
		}

		svc := rest.NewClient(
			viper.GetString("server"), viper.GetString("token"))

		pres := presence.NewTracker()

		// The manager and the subscription client reference each other: the
		// manager receives pushed events, the client carries typing beacons.
		var sub *ws.Client
		mgr := chat.NewManager(me, svc, broadcasterFunc(func(
			conversationID chat.ConversationID, typing bool) error {
			return sub.BroadcastTyping(conversationID, typing)
		}))
		sub = ws.NewClient(viper.GetString("gateway"), mgr, pres)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go sub.Run(ctx)
		mgr.Hydrate(ctx)

		for _, c := range mgr.Conversations() {
			jww.INFO.Printf("Conversation %s (%s): %d unread",
				c.ID, c.Type, mgr.UnreadCount(c.ID))
		}

		go repl(mgr)

		// Block until interrupted, then tear down so late resolutions are
		// discarded instead of applied.
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		cancel()
		mgr.Close()
		sub.Close()
	},
}

// broadcasterFunc adapts a function to chat.TypingBroadcaster.
type broadcasterFunc func(chat.ConversationID, bool) error

func (f broadcasterFunc) BroadcastTyping(id chat.ConversationID,
	typing bool) error {
	return f(id, typing)
}

// repl reads stdin: "/open <id>" selects a conversation, "/react <msg>
// <emoji>" toggles a reaction, "/retry <clientID>" retries a failed send, and
// anything else is sent to the active conversation.
func repl(mgr *chat.Manager) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		switch {
		case fields[0] == "/open" && len(fields) == 2:
			mgr.SelectConversation(chat.ConversationID(fields[1]))

		case fields[0] == "/react" && len(fields) == 3:
			err := mgr.ToggleReaction(chat.MessageID(fields[1]), fields[2])
			if err != nil {
				jww.ERROR.Printf("react: %+v", err)
			}

		case fields[0] == "/retry" && len(fields) == 2:
			if err := mgr.RetrySend(fields[1]); err != nil {
				jww.ERROR.Printf("retry: %+v", err)
			}

		default:
			active, ok := mgr.ActiveConversation()
			if !ok {
				jww.ERROR.Printf("no conversation selected; use /open")
				continue
			}
			if _, err := mgr.Send(active, line, nil, ""); err != nil {
				jww.ERROR.Printf("send: %+v", err)
			}
		}
	}
}

// initLog initializes logging thresholds and the log path.
func initLog(threshold uint, logPath string) {
	if logPath != "-" && logPath != "" {
		// Disable stdout output
		jww.SetStdoutOutput(ioutil.Discard)
		// Use log file
		logOutput, err := os.OpenFile(logPath,
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			panic(err.Error())
		}
		jww.SetLogOutput(logOutput)
	}

	if threshold > 1 {
		jww.SetStdoutThreshold(jww.LevelTrace)
		jww.SetLogThreshold(jww.LevelTrace)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
		jww.INFO.Printf("log level set to: TRACE")
	} else if threshold == 1 {
		jww.SetStdoutThreshold(jww.LevelDebug)
		jww.SetLogThreshold(jww.LevelDebug)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
		jww.INFO.Printf("log level set to: DEBUG")
	} else {
		jww.SetStdoutThreshold(jww.LevelInfo)
		jww.SetLogThreshold(jww.LevelInfo)
		jww.INFO.Printf("log level set to: INFO")
	}
}

func init() {
	rootCmd.PersistentFlags().UintP("logLevel", "v", 0,
		"Verbose mode for debugging")
	rootCmd.PersistentFlags().StringP("log", "l", "-",
		"Path to the log output path (- is stdout)")
	rootCmd.PersistentFlags().StringP("server", "s",
		"https://api.echoverse.im", "Conversation service base URL")
	rootCmd.PersistentFlags().StringP("gateway", "g",
		"wss://push.echoverse.im/subscribe", "Push gateway websocket URL")
	rootCmd.PersistentFlags().StringP("token", "t", "",
		"Bearer token for the conversation service")
	rootCmd.PersistentFlags().StringP("userid", "u", "",
		"Acting user ID")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Printf("could not bind flags: %+v\n", err)
		os.Exit(1)
	}
}
