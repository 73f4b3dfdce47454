package hardware

import "sort"

// ShutterDict is the bidirectional shutter name <-> channel table.
type ShutterDict struct {
	byName    map[string]int
	byChannel map[int]string
}

// NewShutterDict builds the table from name -> channel pairs.
func NewShutterDict(channels map[string]int) *ShutterDict {
	d := &ShutterDict{byName: make(map[string]int, len(channels)), byChannel: make(map[int]string, len(channels))}
	for name, ch := range channels {
		d.byName[name] = ch
		d.byChannel[ch] = name
	}
	return d
}

// ChannelOf returns the channel of a shutter.
func (d *ShutterDict) ChannelOf(name string) (int, bool) {
	ch, ok := d.byName[name]
	return ch, ok
}

// NameOf returns the shutter on channel.
func (d *ShutterDict) NameOf(channel int) (string, bool) {
	name, ok := d.byChannel[channel]
	return name, ok
}

// Names returns all shutter names sorted.
func (d *ShutterDict) Names() []string {
	names := make([]string, 0, len(d.byName))
	for n := range d.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
