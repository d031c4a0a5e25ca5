package engine

import (
	"context"
	"database/sql"
	"fmt"
	"path"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"studiocrm/internal/domain"
	"studiocrm/internal/engine/auth"
	"studiocrm/internal/events"
	"studiocrm/internal/storage"
)

// StageFolder is the remote folder a card's stage files are uploaded to.
func StageFolder(contractNumber string, stage domain.Column) string {
	return path.Join("contracts", contractNumber, string(stage))
}

// AttachStageFile records a blob already uploaded for a card's stage.
func (e Engine) AttachStageFile(ctx context.Context, actor auth.Actor, cardID string, stage domain.Column, obj storage.Object) (domain.StageFile, error) {
	if err := actor.Validate(); err != nil {
		return domain.StageFile{}, err
	}
	if obj.RemotePath == "" {
		return domain.StageFile{}, invalid("remote path is required")
	}
	var f domain.StageFile
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		card, err := e.Repo.GetCardTx(ctx, tx, cardID)
		if err != nil {
			return err
		}
		if !domain.ValidStage(card.ProjectType, stage) {
			return invalid("%q is not a stage of %s projects", stage, card.ProjectType)
		}
		name := obj.FileName
		if name == "" {
			name = path.Base(obj.RemotePath)
		}
		f = domain.StageFile{
			ID:         e.newID(),
			CardID:     card.ID,
			Stage:      stage,
			FileName:   name,
			RemotePath: obj.RemotePath,
			PublicLink: obj.PublicLink,
			UploadedBy: actor.EmployeeID,
			CreatedAt:  e.ts(),
		}
		if err := e.Repo.InsertStageFile(ctx, tx, f); err != nil {
			return goerr.Wrap(err, "insert stage file", goerr.V("card_id", card.ID), goerr.V("remote_path", obj.RemotePath))
		}
		return e.appendHistory(ctx, tx, actor, events.FileAttached, "card", card.ID,
			fmt.Sprintf("file %s attached to %s", name, stage),
			events.Payload{"file_id": f.ID, "stage": stage, "remote_path": f.RemotePath})
	})
	return f, err
}

// UploadStageFile uploads localPath and records it. The blob is removed again
// when recording fails.
func (e Engine) UploadStageFile(ctx context.Context, actor auth.Actor, store storage.Store, cardID string, stage domain.Column, localPath string) (domain.StageFile, error) {
	if err := actor.Validate(); err != nil {
		return domain.StageFile{}, err
	}
	card, err := e.Repo.GetCard(ctx, cardID)
	if err != nil {
		return domain.StageFile{}, err
	}
	if !domain.ValidStage(card.ProjectType, stage) {
		return domain.StageFile{}, invalid("%q is not a stage of %s projects", stage, card.ProjectType)
	}
	contract, err := e.Repo.GetContract(ctx, card.ContractID)
	if err != nil {
		return domain.StageFile{}, err
	}
	obj, err := store.Upload(ctx, localPath, StageFolder(contract.Number, stage), "")
	if err != nil {
		return domain.StageFile{}, goerr.Wrap(err, "upload stage file", goerr.V("card_id", cardID), goerr.V("path", localPath))
	}
	if link, err := store.Publish(ctx, obj.RemotePath); err != nil {
		e.logger().Warn("publish stage file failed", zap.String("remote_path", obj.RemotePath), zap.Error(err))
	} else {
		obj.PublicLink = link
	}
	f, err := e.AttachStageFile(ctx, actor, cardID, stage, obj)
	if err != nil {
		if _, derr := store.Delete(ctx, obj.RemotePath); derr != nil {
			e.logger().Warn("orphaned blob", zap.String("remote_path", obj.RemotePath), zap.Error(derr))
		}
		return domain.StageFile{}, err
	}
	return f, nil
}

// RemoveStageFile deletes the record, then the blob. A blob that could not be
// deleted is reported as a warning.
func (e Engine) RemoveStageFile(ctx context.Context, actor auth.Actor, store storage.Store, fileID string) ([]string, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	f, err := e.Repo.GetStageFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteStageFile(ctx, tx, f.ID); err != nil {
			return goerr.Wrap(err, "delete stage file", goerr.V("file_id", f.ID))
		}
		return e.appendHistory(ctx, tx, actor, events.FileRemoved, "card", f.CardID,
			fmt.Sprintf("file %s removed from %s", f.FileName, f.Stage),
			events.Payload{"file_id": f.ID, "stage": f.Stage, "remote_path": f.RemotePath})
	})
	if err != nil {
		return nil, err
	}
	var warnings []string
	if store == nil {
		return warnings, nil
	}
	deleted, err := store.Delete(ctx, f.RemotePath)
	switch {
	case err != nil:
		e.logError("delete blob failed", err, zap.String("remote_path", f.RemotePath))
		warnings = append(warnings, fmt.Sprintf("delete blob failed: %v", err))
	case !deleted:
		warnings = append(warnings, fmt.Sprintf("blob %s was already gone", f.RemotePath))
	}
	return warnings, nil
}
