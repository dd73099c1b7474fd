// Command send executes a single instrument command on the command port and
// prints the reply.
//
//	send -port COM13 -cmd start
//	send -port COM13 -cmd adc-config -conv 1052uS -avg AVG_NUM_16
//	send -port COM13 -cmd vbat -volts 3.8
//	send -port COM13 -hex "07 00 00 00"
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clint456/powermon/internal/config"
	"github.com/clint456/powermon/internal/logger"
	"github.com/clint456/powermon/pkg/protocol"
	"github.com/clint456/powermon/pkg/serialcomm"
)

// defaultAttempts sends each command once; re-sending is opt-in.
const defaultAttempts = 1

type options struct {
	name     string
	conv     string
	avg      string
	adcRange string
	volts    float64
	code     int
}

func main() {
	var (
		configPath = flag.String("config", "", "configuration file")
		portName   = flag.String("port", "", "command port (defaults to serial.commandPort)")
		baud       = flag.Int("baud", 0, "baud rate (defaults to serial.baudRate)")
		hexData    = flag.String("hex", "", "raw bytes to send instead of -cmd")
		attempts   = flag.Int("attempts", defaultAttempts, "attempts for commands that time out, 1 sends once")
		opts       options
	)
	flag.StringVar(&opts.name, "cmd", "", "adc-config, apply, vbat, vbat-on, vbat-off, start or stop")
	flag.StringVar(&opts.conv, "conv", "280uS", "conversion time for adc-config")
	flag.StringVar(&opts.avg, "avg", "AVG_NUM_1", "average count for adc-config")
	flag.StringVar(&opts.adcRange, "range", "RANGE_0", "adc range for adc-config")
	flag.Float64Var(&opts.volts, "volts", -1, "battery voltage for vbat")
	flag.IntVar(&opts.code, "code", -1, "battery DAC code for vbat (overrides -volts)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}

	if *portName == "" {
		*portName = cfg.Serial.CommandPort
	}
	if *baud == 0 {
		*baud = cfg.Serial.BaudRate
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	port, err := serialcomm.OpenPort(&serialcomm.SerialConfig{
		PortName:    *portName,
		BaudRate:    *baud,
		ReadTimeout: cfg.Serial.ReadTimeout,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to open command port")
	}
	defer port.Close()

	ch := serialcomm.NewCommandChannel(port,
		serialcomm.WithCommandTimeout(cfg.Command.Timeout),
		serialcomm.WithCommandLogger(log),
	)
	log.WithFields(logrus.Fields{
		"port":    port.Name(),
		"timeout": ch.Timeout().String(),
	}).Debug("command port open")

	if *hexData != "" {
		data, err := hex.DecodeString(strings.ReplaceAll(*hexData, " ", ""))
		if err != nil {
			log.WithError(err).Fatal("invalid -hex")
		}
		reply, err := ch.ExecuteRaw(ctx, data)
		if err != nil {
			log.WithError(err).Fatal("raw command failed")
		}
		fmt.Printf("% X\n", reply)
		return
	}

	cmds, err := buildCommands(opts)
	if err != nil {
		log.WithError(err).Fatal("invalid command")
	}
	for _, cmd := range cmds {
		resp, err := execute(ctx, ch, cmd, *attempts, log)
		if err != nil {
			log.WithError(err).Fatal("command failed")
		}
		fmt.Printf("%s: % X\n", cmd.Name(), resp.Raw)
	}
}

// buildCommands maps a command name to the commands to send, in order.
func buildCommands(o options) ([]protocol.Command, error) {
	switch o.name {
	case "adc-config":
		adc, err := protocol.ParseADCConfig(o.conv, o.avg, o.adcRange)
		if err != nil {
			return nil, err
		}
		cmd, err := protocol.BuildADCConfigCmd(adc)
		if err != nil {
			return nil, err
		}
		return []protocol.Command{cmd, protocol.BuildApplyConfigCmd()}, nil
	case "apply":
		return []protocol.Command{protocol.BuildApplyConfigCmd()}, nil
	case "vbat":
		code, err := batteryCode(o)
		if err != nil {
			return nil, err
		}
		cmd, err := protocol.BuildBatteryVoltageCmd(code)
		if err != nil {
			return nil, err
		}
		return []protocol.Command{cmd}, nil
	case "vbat-on":
		return []protocol.Command{protocol.BuildBatteryOutputCmd(true)}, nil
	case "vbat-off":
		return []protocol.Command{protocol.BuildBatteryOutputCmd(false)}, nil
	case "start":
		return []protocol.Command{protocol.BuildStartMeasureCmd()}, nil
	case "stop":
		return []protocol.Command{protocol.BuildStopMeasureCmd()}, nil
	case "":
		return nil, errors.New("one of -cmd or -hex is required")
	default:
		return nil, fmt.Errorf("unknown command %q", o.name)
	}
}

func batteryCode(o options) (uint16, error) {
	switch {
	case o.code >= 0:
		if o.code > int(protocol.BatteryCodeMax) {
			return 0, fmt.Errorf("battery code %d exceeds maximum %d", o.code, protocol.BatteryCodeMax)
		}
		return uint16(o.code), nil
	case o.volts >= 0:
		return protocol.VoltsToBatteryCode(o.volts)
	default:
		return 0, errors.New("vbat needs -code or -volts")
	}
}

// execute sends cmd up to attempts times while it times out. Rejections are
// never re-sent.
func execute(ctx context.Context, ch serialcomm.CommandSender, cmd protocol.Command, attempts int, log logrus.FieldLogger) (*protocol.Response, error) {
	var err error
	for attempt := 1; attempt <= max(attempts, 1); attempt++ {
		var resp *protocol.Response
		resp, err = ch.Execute(ctx, cmd)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, protocol.ErrTimeout) || ctx.Err() != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{
			"command": cmd.Name(),
			"attempt": attempt,
		}).Warn("no response, retrying")
		time.Sleep(50 * time.Millisecond)
	}
	return nil, err
}
