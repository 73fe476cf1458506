package main

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"

	"github.com/jfreymuth/pulse/proto"
)

// ============================================================================
// Audio backend (PulseAudio / PipeWire native protocol)
// ============================================================================
// Volume control goes straight over the PulseAudio native protocol, which
// PipeWire also speaks through pipewire-pulse. The connection is lazy and
// self-healing: every request reconnects once on failure, so a restarted
// sound server costs one failed knob event at most.
// ============================================================================

// AppStream describes one running playback stream.
type AppStream struct {
	ID      uint32  `json:"id"`
	Name    string  `json:"name"`
	Binary  string  `json:"binary"`
	Percent float64 `json:"percent"`
}

// AudioBackend abstracts the sound server for the effects worker (and for
// tests, which substitute a mock).
type AudioBackend interface {
	SetSinkVolume(name string, percent float64) error
	SetSourceVolume(name string, percent float64) error
	ToggleSinkMute(name string) (bool, error)
	ToggleSourceMute(name string) (bool, error)
	ListAppStreams() ([]AppStream, error)
	SetAppVolume(id uint32, percent float64) error
	Close() error
}

// PulseBackend implements AudioBackend over the native protocol.
type PulseBackend struct {
	mu     sync.Mutex
	client *proto.Client
	conn   net.Conn

	server string
	logger *slog.Logger
}

// NewPulseBackend creates a backend. It does not connect; the first request
// does, so the daemon starts fine with the sound server down.
func NewPulseBackend(server string, logger *slog.Logger) *PulseBackend {
	return &PulseBackend{server: server, logger: logger}
}

// connectLocked dials the server and identifies the client. Caller holds mu.
func (b *PulseBackend) connectLocked() error {
	client, conn, err := proto.Connect(b.server)
	if err != nil {
		return fmt.Errorf("connect to sound server: %w", err)
	}

	props := proto.PropList{
		"application.name":           proto.PropListString("turnupd"),
		"application.process.binary": proto.PropListString("turnupd"),
	}
	if err := client.Request(&proto.SetClientName{Props: props}, &proto.SetClientNameReply{}); err != nil {
		conn.Close()
		return fmt.Errorf("set client name: %w", err)
	}

	b.client = client
	b.conn = conn
	b.logger.Info("connected to sound server")
	return nil
}

func (b *PulseBackend) closeLocked() {
	if b.conn != nil {
		b.conn.Close()
	}
	b.client = nil
	b.conn = nil
}

// request performs one protocol round-trip, reconnecting once if the
// connection was lost since the last call.
func (b *PulseBackend) request(req proto.RequestArgs, rep proto.Reply) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client == nil {
		if err := b.connectLocked(); err != nil {
			return err
		}
	}

	err := b.client.Request(req, rep)
	if err == nil {
		return nil
	}

	b.logger.Warn("sound server request failed, reconnecting", slog.String("error", err.Error()))
	b.closeLocked()
	if cerr := b.connectLocked(); cerr != nil {
		return err
	}
	return b.client.Request(req, rep)
}

// Close terminates the connection.
func (b *PulseBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
	return nil
}

// percentToVolume converts a 0..150 percent to the wire volume unit.
func percentToVolume(percent float64) uint32 {
	return uint32(math.Round(percent / 100 * float64(proto.VolumeNorm)))
}

// volumePercent converts channel volumes (max across channels) to percent.
func volumePercent(cv proto.ChannelVolumes) float64 {
	var max uint32
	for _, v := range cv {
		if v > max {
			max = v
		}
	}
	return math.Round(float64(max) / float64(proto.VolumeNorm) * 100)
}

// flatVolumes builds an all-channels-equal volume vector of the same shape
// as the device currently reports.
func flatVolumes(like proto.ChannelVolumes, percent float64) proto.ChannelVolumes {
	n := len(like)
	if n == 0 {
		n = 2
	}
	vol := percentToVolume(percent)
	cv := make(proto.ChannelVolumes, n)
	for i := range cv {
		cv[i] = vol
	}
	return cv
}

// resolveSink maps the "default" alias to the server's current default sink.
func (b *PulseBackend) resolveSink(name string) (string, error) {
	if name != "default" {
		return name, nil
	}
	var reply proto.GetServerInfoReply
	if err := b.request(&proto.GetServerInfo{}, &reply); err != nil {
		return "", fmt.Errorf("get server info: %w", err)
	}
	return reply.DefaultSinkName, nil
}

func (b *PulseBackend) resolveSource(name string) (string, error) {
	if name != "default" {
		return name, nil
	}
	var reply proto.GetServerInfoReply
	if err := b.request(&proto.GetServerInfo{}, &reply); err != nil {
		return "", fmt.Errorf("get server info: %w", err)
	}
	return reply.DefaultSourceName, nil
}

// SetSinkVolume sets all channels of the named sink (or the default sink) to
// percent.
func (b *PulseBackend) SetSinkVolume(name string, percent float64) error {
	sink, err := b.resolveSink(name)
	if err != nil {
		return err
	}

	var info proto.GetSinkInfoReply
	if err := b.request(&proto.GetSinkInfo{SinkIndex: proto.Undefined, SinkName: sink}, &info); err != nil {
		return fmt.Errorf("get sink %q: %w", sink, err)
	}

	err = b.request(&proto.SetSinkVolume{
		SinkIndex:      info.SinkIndex,
		ChannelVolumes: flatVolumes(info.ChannelVolumes, percent),
	}, nil)
	if err != nil {
		return fmt.Errorf("set sink %q volume: %w", sink, err)
	}
	return nil
}

// SetSourceVolume sets all channels of the named source to percent.
func (b *PulseBackend) SetSourceVolume(name string, percent float64) error {
	source, err := b.resolveSource(name)
	if err != nil {
		return err
	}

	var info proto.GetSourceInfoReply
	if err := b.request(&proto.GetSourceInfo{SourceIndex: proto.Undefined, SourceName: source}, &info); err != nil {
		return fmt.Errorf("get source %q: %w", source, err)
	}

	err = b.request(&proto.SetSourceVolume{
		SourceIndex:    info.SourceIndex,
		ChannelVolumes: flatVolumes(info.ChannelVolumes, percent),
	}, nil)
	if err != nil {
		return fmt.Errorf("set source %q volume: %w", source, err)
	}
	return nil
}

// ToggleSinkMute flips the sink's mute flag and returns the new state.
func (b *PulseBackend) ToggleSinkMute(name string) (bool, error) {
	sink, err := b.resolveSink(name)
	if err != nil {
		return false, err
	}

	var info proto.GetSinkInfoReply
	if err := b.request(&proto.GetSinkInfo{SinkIndex: proto.Undefined, SinkName: sink}, &info); err != nil {
		return false, fmt.Errorf("get sink %q: %w", sink, err)
	}

	muted := !info.Mute
	err = b.request(&proto.SetSinkMute{SinkIndex: info.SinkIndex, Mute: muted}, nil)
	if err != nil {
		return false, fmt.Errorf("set sink %q mute: %w", sink, err)
	}
	return muted, nil
}

// ToggleSourceMute flips the source's mute flag and returns the new state.
func (b *PulseBackend) ToggleSourceMute(name string) (bool, error) {
	source, err := b.resolveSource(name)
	if err != nil {
		return false, err
	}

	var info proto.GetSourceInfoReply
	if err := b.request(&proto.GetSourceInfo{SourceIndex: proto.Undefined, SourceName: source}, &info); err != nil {
		return false, fmt.Errorf("get source %q: %w", source, err)
	}

	muted := !info.Mute
	err = b.request(&proto.SetSourceMute{SourceIndex: info.SourceIndex, Mute: muted}, nil)
	if err != nil {
		return false, fmt.Errorf("set source %q mute: %w", source, err)
	}
	return muted, nil
}

// ListAppStreams returns all running playback streams with their application
// metadata.
func (b *PulseBackend) ListAppStreams() ([]AppStream, error) {
	var reply proto.GetSinkInputInfoListReply
	if err := b.request(&proto.GetSinkInputInfoList{}, &reply); err != nil {
		return nil, fmt.Errorf("list playback streams: %w", err)
	}

	streams := make([]AppStream, 0, len(reply))
	for _, info := range reply {
		if info == nil {
			continue
		}
		streams = append(streams, AppStream{
			ID:      info.SinkInputIndex,
			Name:    propString(info.Properties, "application.name"),
			Binary:  propString(info.Properties, "application.process.binary"),
			Percent: volumePercent(info.ChannelVolumes),
		})
	}
	return streams, nil
}

// SetAppVolume sets all channels of one playback stream to percent.
func (b *PulseBackend) SetAppVolume(id uint32, percent float64) error {
	var info proto.GetSinkInputInfoReply
	if err := b.request(&proto.GetSinkInputInfo{SinkInputIndex: id}, &info); err != nil {
		return fmt.Errorf("get playback stream %d: %w", id, err)
	}

	err := b.request(&proto.SetSinkInputVolume{
		SinkInputIndex: id,
		ChannelVolumes: flatVolumes(info.ChannelVolumes, percent),
	}, nil)
	if err != nil {
		return fmt.Errorf("set playback stream %d volume: %w", id, err)
	}
	return nil
}

func propString(props proto.PropList, key string) string {
	if props == nil {
		return ""
	}
	if e, ok := props[key]; ok && e != nil {
		return e.String()
	}
	return ""
}
