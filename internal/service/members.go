package service

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/events"
	"posledger/backend/internal/loyalty"
	"posledger/backend/internal/store"
)

func (s *Service) RegisterMember(ctx context.Context, req domain.MemberRegisterRequest) (domain.Member, error) {
	req.Phone = strings.TrimSpace(req.Phone)
	req.Name = strings.TrimSpace(req.Name)
	if req.Phone == "" || req.Name == "" {
		return domain.Member{}, store.Validation("phone and name are required")
	}
	if strings.IndexFunc(req.Phone, func(r rune) bool { return (r < '0' || r > '9') && r != '+' && r != '-' }) >= 0 {
		return domain.Member{}, store.Validation("phone may only contain digits, '+' and '-'")
	}

	member, err := s.repo.CreateMember(ctx, domain.Member{
		Phone:     req.Phone,
		Name:      req.Name,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return domain.Member{}, err
	}
	s.logger.Info("member registered", zap.Int64("member_id", member.ID))
	return *member, nil
}

func (s *Service) GetMember(ctx context.Context, memberID int64) (domain.Member, error) {
	member, err := s.repo.GetMember(ctx, memberID)
	if err != nil {
		return domain.Member{}, err
	}
	return *member, nil
}

func (s *Service) GetMemberByPhone(ctx context.Context, phone string) (domain.Member, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return domain.Member{}, store.Validation("phone is required")
	}
	member, err := s.repo.GetMemberByPhone(ctx, phone)
	if err != nil {
		return domain.Member{}, err
	}
	return *member, nil
}

// AdjustPoints applies a manual signed correction to a member balance in its
// own transaction. A balance can never drop below zero.
func (s *Service) AdjustPoints(ctx context.Context, req domain.MemberPointsAdjustment) (domain.Member, error) {
	if err := requireManager(ctx); err != nil {
		return domain.Member{}, err
	}
	req.OperatorID = cleanID(req.OperatorID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.OperatorID == "" {
		return domain.Member{}, store.Validation("operator is required")
	}
	if req.MemberID <= 0 {
		return domain.Member{}, store.Validation("member id must be positive")
	}

	var balance int64
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		balance, err = loyalty.AdjustPoints(ctx, tx, req.MemberID, req.Delta)
		return err
	})
	if err != nil {
		return domain.Member{}, err
	}

	s.logger.Info("member points adjusted",
		zap.Int64("member_id", req.MemberID),
		zap.Int64("delta", req.Delta),
		zap.Int64("balance", balance),
		zap.String("operator_id", req.OperatorID),
		zap.String("reason", req.Reason),
	)
	s.publish(ctx, events.Event{
		Type:    events.TypeMemberPointsAdjusted,
		Key:     "member-" + strconv.FormatInt(req.MemberID, 10),
		Payload: req,
	})

	member, err := s.repo.GetMember(ctx, req.MemberID)
	if err != nil {
		return domain.Member{}, err
	}
	return *member, nil
}
