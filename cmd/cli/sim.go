package main

import (
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// runSim plays the broker-facing role of a ThingsBoard-style server: it
// answers shared-attribute requests with a firmware descriptor and
// serves chunk requests out of a UF2 file on disk, so a device can be
// driven through a full OTA session against a real broker without a
// ThingsBoard instance. It is a manual end-to-end testing aid, not part
// of the OTA core.
func runSim(args []string) error {
	fs := flag.NewFlagSet("sim", flag.ExitOnError)
	broker := fs.String("broker", "localhost:1883", "MQTT broker address (host:port)")
	clientID := fs.String("client-id", "weatherstation-sim", "MQTT client id for the simulator")
	title := fs.String("title", "Weather Station", "fw_title advertised to the device")
	version := fs.String("version", "V2.0", "fw_version advertised to the device")
	fwPath := fs.String("file", "", "UF2 firmware file to serve (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *fwPath == "" {
		return fmt.Errorf("-file <firmware.uf2> is required")
	}

	uf2Data, err := os.ReadFile(*fwPath)
	if err != nil {
		return fmt.Errorf("read firmware: %w", err)
	}
	image, err := extractUF2Binary(uf2Data)
	if err != nil {
		return fmt.Errorf("extract UF2: %w", err)
	}
	sum := sha256.Sum256(image)
	checksum := hex.EncodeToString(sum[:])

	fmt.Printf("Serving %s %s (%d bytes, sha256 %s) from %s\n", *title, *version, len(image), checksum, *fwPath)

	opts := mqtt.NewClientOptions()
	opts.AddBroker("tcp://" + *broker)
	opts.SetClientID(*clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		fmt.Fprintf(os.Stderr, "sim: connection lost: %v\n", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to broker: %w", token.Error())
	}
	defer client.Disconnect(250)

	sim := &simulator{title: *title, version: *version, image: image, checksum: checksum, client: client}

	if token := client.Subscribe("v1/devices/me/attributes/request/+", 1, sim.onAttributeRequest); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe attributes request: %w", token.Error())
	}
	if token := client.Subscribe("v2/fw/request/+/chunk/+", 1, sim.onChunkRequest); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe chunk request: %w", token.Error())
	}
	if token := client.Subscribe("v1/devices/me/telemetry", 1, sim.onTelemetry); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe telemetry: %w", token.Error())
	}

	fmt.Println("Listening for attribute and chunk requests. Ctrl+C to stop.")
	select {} // runs until killed; no graceful shutdown needed for a bench tool
}

type simulator struct {
	title, version string
	image          []byte
	checksum       string
	client         mqtt.Client
}

// onAttributeRequest answers "v1/devices/me/attributes/request/<id>"
// with the firmware descriptor on the matching response topic (§6).
func (s *simulator) onAttributeRequest(_ mqtt.Client, msg mqtt.Message) {
	id := strings.TrimPrefix(msg.Topic(), "v1/devices/me/attributes/request/")
	payload := fmt.Sprintf(
		`{"shared":{"fw_title":%q,"fw_version":%q,"fw_size":%d,"fw_checksum":%q,"fw_checksum_algorithm":"SHA256"}}`,
		s.title, s.version, len(s.image), s.checksum,
	)
	topic := "v1/devices/me/attributes/response/" + id
	if token := s.client.Publish(topic, 1, false, payload); token.Wait() && token.Error() != nil {
		fmt.Fprintf(os.Stderr, "sim: publish %s: %v\n", topic, token.Error())
		return
	}
	fmt.Printf("attributes request %s -> %s %s (%d bytes)\n", id, s.title, s.version, len(s.image))
}

// onChunkRequest answers "v2/fw/request/<sid>/chunk/<idx>" by slicing
// the requested chunk size out of the image at idx*chunkSize, or an
// empty payload once idx runs past the end of the image. The device's
// Controller finalizes on its own once the advertised size has arrived,
// so it does not wait for that empty payload.
func (s *simulator) onChunkRequest(_ mqtt.Client, msg mqtt.Message) {
	rest := strings.TrimPrefix(msg.Topic(), "v2/fw/request/")
	parts := strings.SplitN(rest, "/chunk/", 2)
	if len(parts) != 2 {
		return
	}
	sid, idx := parts[0], parts[1]
	index, err := strconv.Atoi(idx)
	if err != nil || index < 0 {
		return
	}
	chunkSize, err := strconv.Atoi(strings.TrimSpace(string(msg.Payload())))
	if err != nil || chunkSize <= 0 {
		chunkSize = otaChunkSize
	}

	start := index * chunkSize
	var body []byte
	if start < len(s.image) {
		end := start + chunkSize
		if end > len(s.image) {
			end = len(s.image)
		}
		body = s.image[start:end]
	}

	topic := "v2/fw/response/" + sid + "/chunk/" + idx
	if token := s.client.Publish(topic, 1, false, body); token.Wait() && token.Error() != nil {
		fmt.Fprintf(os.Stderr, "sim: publish %s: %v\n", topic, token.Error())
		return
	}
	fmt.Printf("chunk %s/%s -> %d bytes\n", sid, idx, len(body))
}

// onTelemetry prints the device's own telemetry publishes so an
// operator watching the simulator can see the OTA state machine
// progress in real time.
func (s *simulator) onTelemetry(_ mqtt.Client, msg mqtt.Message) {
	fmt.Printf("[%s] telemetry: %s\n", time.Now().Format(time.RFC3339), string(msg.Payload()))
}
