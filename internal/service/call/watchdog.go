package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal/internal/auth"
	"callsignal/internal/domain"
	"callsignal/internal/signaling"
	apperrors "callsignal/pkg/errors"
	"callsignal/pkg/logger"
	"callsignal/pkg/metrics"
)

// armWatchdog schedules the missed-call transition for an outgoing call
func (s *Service) armWatchdog(callID, callerID, recipientID uuid.UUID) {
	if s.cfg.RingTimeout <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.timers[callID] = time.AfterFunc(s.cfg.RingTimeout, func() {
		s.ringTimeout(callID, callerID, recipientID)
	})
}

func (s *Service) ringTimeout(callID, callerID, recipientID uuid.UUID) {
	s.mu.Lock()
	if _, armed := s.timers[callID]; !armed {
		s.mu.Unlock()
		return
	}
	delete(s.timers, callID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WatchdogTimeout)
	defer cancel()
	ctx = auth.WithIdentity(ctx, auth.Identity{ID: callerID})

	log := logger.FromContext(logger.WithCallID(ctx, callID.String()))

	if _, err := s.store.UpdateStatus(ctx, callID, domain.CallStatusMissed); err != nil {
		if apperrors.IsInvalidTransition(err) {
			log.Debug("Ring timer fired after the call left ringing")
			return
		}
		log.Error("Failed to mark call missed", zap.Error(err))
		return
	}
	metrics.CallsTerminalTotal.WithLabelValues(string(domain.CallStatusMissed)).Inc()

	s.release(callID)
	s.emit(Event{
		Type:   EventCallMissed,
		CallID: callID,
		From:   recipientID,
		Status: domain.CallStatusMissed,
	})

	// call-ended carries no status, so the callee reports ended while the
	// stored session says missed
	if err := s.channel.Send(ctx, recipientID, signaling.NewEnded(callerID, recipientID, callID)); err != nil {
		log.Warn("Failed to notify recipient of missed call", zap.Error(err))
	}

	log.Info("Call missed", zap.Duration("ring_timeout", s.cfg.RingTimeout))
}
