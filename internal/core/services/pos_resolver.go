package services

import (
	"context"
	"sort"
	"time"

	"vmsgate/internal/core/domain"
	"vmsgate/internal/core/ports"
	"vmsgate/pkg/cache"
	"vmsgate/pkg/utils"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	channelIndexKey  = "channels"
	terminalIndexKey = "terminals"
)

type channelIndex struct {
	byGUID  map[string]domain.Channel
	byAlias map[string]string
}

// lookup accepts a channel guid or any of its normalized names.
func (ix *channelIndex) lookup(ref string) (string, bool) {
	if ix == nil || ref == "" {
		return "", false
	}
	if _, ok := ix.byGUID[ref]; ok {
		return ref, true
	}
	guid, ok := ix.byAlias[utils.NormalizeName(ref)]
	return guid, ok
}

type terminalIndex struct {
	toChannel map[string]string
	byChannel map[string][]string
}

// PosResolver maps POS terminals to camera channels and back. Both indices
// are cached independently and rebuilt when stale or on demand.
type PosResolver struct {
	dir       ports.PosDirectory
	channels  *cache.Cache[*channelIndex]
	terminals *cache.Cache[*terminalIndex]
	group     singleflight.Group
	logger    *zap.SugaredLogger
}

func NewPosResolver(dir ports.PosDirectory, channelTTL, terminalTTL time.Duration, logger *zap.SugaredLogger) *PosResolver {
	return &PosResolver{
		dir:       dir,
		channels:  cache.New[*channelIndex](channelTTL),
		terminals: cache.New[*terminalIndex](terminalTTL),
		logger:    logger,
	}
}

func (r *PosResolver) withClock(now func() time.Time) {
	r.channels.WithClock(now)
	r.terminals.WithClock(now)
}

// RefreshChannels rebuilds the channel index when stale or forced.
func (r *PosResolver) RefreshChannels(ctx context.Context, force bool) error {
	_, err := r.loadChannels(ctx, force)
	return err
}

// RefreshTerminals rebuilds the terminal index when stale or forced.
func (r *PosResolver) RefreshTerminals(ctx context.Context, force bool) error {
	_, err := r.loadTerminals(ctx, force)
	return err
}

func (r *PosResolver) loadChannels(ctx context.Context, force bool) (*channelIndex, error) {
	if force {
		r.channels.Delete(channelIndexKey)
	}
	return r.channels.GetOrLoad(ctx, channelIndexKey, func(ctx context.Context) (*channelIndex, error) {
		v, err, _ := r.group.Do(channelIndexKey, func() (interface{}, error) {
			return r.buildChannelIndex(ctx)
		})
		if err != nil {
			return nil, err
		}
		return v.(*channelIndex), nil
	})
}

func (r *PosResolver) buildChannelIndex(ctx context.Context) (*channelIndex, error) {
	list, err := r.dir.Channels(ctx)
	if err != nil {
		return nil, err
	}
	ix := &channelIndex{
		byGUID:  make(map[string]domain.Channel, len(list)),
		byAlias: make(map[string]string, len(list)),
	}
	for _, ch := range list {
		ix.byGUID[ch.GUID] = ch
		names := append([]string{utils.NormalizeName(ch.Name)}, ch.Aliases...)
		for _, n := range names {
			if n == "" {
				continue
			}
			if _, taken := ix.byAlias[n]; !taken {
				ix.byAlias[n] = ch.GUID
			}
		}
	}
	r.logger.Debugw("pos channel index rebuilt", "channels", len(ix.byGUID), "aliases", len(ix.byAlias))
	return ix, nil
}

func (r *PosResolver) loadTerminals(ctx context.Context, force bool) (*terminalIndex, error) {
	if force {
		r.terminals.Delete(terminalIndexKey)
	}
	return r.terminals.GetOrLoad(ctx, terminalIndexKey, func(ctx context.Context) (*terminalIndex, error) {
		v, err, _ := r.group.Do(terminalIndexKey, func() (interface{}, error) {
			return r.buildTerminalIndex(ctx, force)
		})
		if err != nil {
			return nil, err
		}
		return v.(*terminalIndex), nil
	})
}

func (r *PosResolver) buildTerminalIndex(ctx context.Context, force bool) (*terminalIndex, error) {
	terminals, err := r.dir.PosTerminals(ctx)
	if err != nil {
		return nil, err
	}
	channels, err := r.loadChannels(ctx, force)
	if err != nil {
		r.logger.Warnw("channel index unavailable, using explicit terminal links only", "error", err)
	}

	ix := &terminalIndex{
		toChannel: make(map[string]string, len(terminals)),
		byChannel: make(map[string][]string),
	}
	for _, t := range terminals {
		guid, ok := linkTerminal(t, channels)
		if !ok {
			continue
		}
		ix.toChannel[t.GUID] = guid
		ix.byChannel[guid] = append(ix.byChannel[guid], t.GUID)
	}
	for _, list := range ix.byChannel {
		sort.Strings(list)
	}
	r.logger.Debugw("pos terminal index rebuilt", "terminals", len(terminals), "linked", len(ix.toChannel))
	return ix, nil
}

// linkTerminal trusts explicit link fields first and falls back to matching
// the terminal's names against channel names.
func linkTerminal(t domain.PosTerminal, channels *channelIndex) (string, bool) {
	for _, link := range t.Links {
		if guid, ok := channels.lookup(link); ok {
			return guid, true
		}
	}
	if len(t.Links) > 0 {
		return t.Links[0], true
	}
	for _, alias := range t.Aliases {
		if guid, ok := channels.lookup(alias); ok {
			return guid, true
		}
	}
	return "", false
}

// ResolveTerminalChannel returns the channel linked to terminal.
func (r *PosResolver) ResolveTerminalChannel(ctx context.Context, terminal string) (string, bool) {
	ix, err := r.loadTerminals(ctx, false)
	if err != nil {
		r.logger.Warnw("pos terminal index unavailable", "terminal", terminal, "error", err)
		return "", false
	}
	guid, ok := ix.toChannel[terminal]
	return guid, ok
}

// ResolveChannelTerminal returns the first terminal linked to channel.
func (r *PosResolver) ResolveChannelTerminal(ctx context.Context, channel string) (string, bool) {
	ix, err := r.loadTerminals(ctx, false)
	if err != nil {
		r.logger.Warnw("pos terminal index unavailable", "guid", channel, "error", err)
		return "", false
	}
	list := ix.byChannel[channel]
	if len(list) == 0 {
		return "", false
	}
	return list[0], true
}
