package node

import (
	"context"
	"fmt"

	"github.com/paraloom/go-p2p"
	"github.com/paraloom/go-p2p/types"
)

// HandleMessage applies the dispatch policy to a message received from source. A Ping is
// answered with a Pong; the other kinds only update the peer book. No other replies are
// sent.
func (s *Service) HandleMessage(ctx context.Context, source types.NodeID, msg p2p.Message) error {
	switch msg.Kind {
	case p2p.KindPing:
		s.logger.Debugf("[Service] ping from %s", source)
		s.peers.RecordSeen(source)

		if err := s.protocol.SendMessage(ctx, source, p2p.Pong()); err != nil {
			s.logger.Warnf("[Service] error sending pong to %s: %v", source, err)
			s.peers.RecordFailure(source)

			return nil
		}

		s.metrics.pongsSent.Inc()

	case p2p.KindPong:
		s.logger.Debugf("[Service] pong from %s", source)
		s.peers.RecordPong(source)

	case p2p.KindDiscovery:
		if !msg.NodeInfo.ID.Equal(source) {
			s.logger.Warnf("[Service] discovery from %s describes %s", source, msg.NodeInfo.ID)
		}

		s.logger.Infof("[Service] discovered %s %s at %s", msg.NodeInfo.NodeType, source, msg.NodeInfo.Address)
		s.peers.RecordDiscovery(source, *msg.NodeInfo)

	case p2p.KindResourceUpdate:
		s.logger.Debugf("[Service] resource update from %s: %d cores, %d MB RAM, %d MB disk",
			source, msg.Resources.CPUCores, msg.Resources.MemoryMB, msg.Resources.StorageMB)
		s.peers.RecordResources(source, *msg.Resources)

	default:
		return fmt.Errorf("[Service] unexpected message kind %s", msg.Kind)
	}

	return nil
}
