// payload-tap tails device payloads off the broker and pretty-prints what the
// ingester would make of them. Run it against a live topic to inspect how a
// device encodes its fields.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fleettrack/gps-ingester/internal/telemetry"
)

func main() {
	broker := "localhost:9092"
	topic := "gps.location"
	if len(os.Args) > 1 {
		broker = os.Args[1]
	}
	if len(os.Args) > 2 {
		topic = os.Args[2]
	}

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.ConsumerGroup(fmt.Sprintf("payload-tap-%d", time.Now().UnixNano())),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker client: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgNum := 0
	for {
		fetches := cl.PollRecords(ctx, 100)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			msgNum++
			fmt.Printf("=== msg %d (partition=%d offset=%d key=%q, %d bytes) ===\n",
				msgNum, rec.Partition, rec.Offset, rec.Key, len(rec.Value))

			analyzePayload(rec.Value)
			fmt.Println()
		})

		if msgNum > 0 && len(fetches.Records()) == 0 {
			break
		}
	}

	fmt.Printf("Total messages: %d\n", msgNum)
}

func analyzePayload(data []byte) {
	samples, err := telemetry.Parse(data)
	if err != nil {
		fmt.Printf("  parse error: %v\n", err)
		preview := string(data)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		fmt.Printf("  payload: %s\n", preview)
		return
	}
	if len(samples) > 1 {
		fmt.Printf("  concatenated payload: %d samples\n", len(samples))
	}

	for i, s := range samples {
		fmt.Printf("  --- sample %d ---\n", i)
		fmt.Printf("    deviceID:   %q\n", s.DeviceID)
		fmt.Printf("    recordedAt: %s", s.TimestampString())
		if s.IsLive() {
			fmt.Printf(" (live)")
		}
		fmt.Println()

		if s.HasCoordinates() {
			fmt.Printf("    position:   %.6f, %.6f\n", *s.Latitude, *s.Longitude)
		} else {
			fmt.Printf("    position:   (none)\n")
		}
		if s.Speed != nil {
			fmt.Printf("    speed:      %.1f km/h\n", *s.Speed)
		}
		if s.Ignition != "" {
			fmt.Printf("    ignition:   %s\n", s.Ignition)
		}
		if s.Sequence != nil {
			fmt.Printf("    sequence:   %d\n", *s.Sequence)
		}
		if s.PanicSet() {
			fmt.Printf("    panic:      PRESSED\n")
		}

		var extras []string
		if s.IMEI != "" {
			extras = append(extras, "imei="+s.IMEI)
		}
		if s.SerialNo != "" {
			extras = append(extras, "serialNo="+s.SerialNo)
		}
		if s.GSMStrength != "" {
			extras = append(extras, "gsm="+s.GSMStrength)
		}
		if s.Course != "" {
			extras = append(extras, "course="+s.Course)
		}
		if s.VehicleStatus != "" {
			extras = append(extras, "vehicleStatus="+s.VehicleStatus)
		}
		if len(extras) > 0 {
			fmt.Printf("    extras:     %s\n", strings.Join(extras, " "))
		}
	}
}
