// Package daemon runs vtsync in the background.
//
// The daemon:
//  1. Probes the remote authority and feeds connectivity into the session
//  2. Runs the sync engine, which drains the queue and pulls on reconnect
//     and on a fixed interval
//  3. Watches the config file and applies session changes (sign in, sign
//     out, account switch) without a restart
//  4. Optionally runs the relay: the realtime hub fed by remote change
//     notifications, plus signed blob downloads
//
// Every loop runs in one errgroup and stops when the context is cancelled.
//
// # Usage
//
//	cfg, _ := config.Load(config.DefaultPath())
//	logs, _ := logging.New(logging.Options{File: cfg.LogPath()})
//	svc, _ := daemon.Open(ctx, cfg, logs)
//	defer svc.Close()
//
//	d := daemon.New(svc, daemon.Options{ConfigPath: config.DefaultPath()})
//	err := d.Run(ctx)
//
// Services is also what the CLI uses for one-shot commands, so a command
// and the daemon see the same store, queue and session rules.
package daemon
