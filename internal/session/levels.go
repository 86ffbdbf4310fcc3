package session

import (
	"github.com/antoniostano/parley/internal/audio"
	"github.com/antoniostano/parley/internal/pubsub"
)

// levelFeed pumps samples of one stream onto a hub until detached.
type levelFeed struct {
	sub  *audio.Subscription
	done chan struct{}
}

func startFeed(mon audio.Monitor, src audio.Source, hub *pubsub.Hub[audio.Sample]) *levelFeed {
	f := &levelFeed{sub: mon.Attach(src), done: make(chan struct{})}
	go func() {
		defer close(f.done)
		for s := range f.sub.Samples() {
			hub.Publish(s)
		}
	}()
	return f
}

func waitFeeds(feeds []*levelFeed) {
	for _, f := range feeds {
		<-f.done
	}
}
