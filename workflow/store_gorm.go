package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type WorkflowInstancePo struct {
	ID            int64                  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	WorkflowType  string                 `gorm:"column:workflow_type;index" json:"workflow_type"`
	ReferenceType string                 `gorm:"column:reference_type;index:idx_reference" json:"reference_type"`
	ReferenceID   string                 `gorm:"column:reference_id;index:idx_reference" json:"reference_id"`
	Status        WorkflowInstanceStatus `gorm:"column:status;index" json:"status"`
	CurrentStep   int                    `gorm:"column:current_step" json:"current_step"` // 冗余字段,可以从节点状态推导出来
	InitiatedBy   string                 `gorm:"column:initiated_by" json:"initiated_by"`
	Context       []byte                 `gorm:"column:context" json:"context"` // 创建时的业务上下文
	Version       int64                  `gorm:"column:version" json:"version"`
	CreatedAt     int64                  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     int64                  `gorm:"column:updated_at" json:"updated_at"`
	CompletedAt   int64                  `gorm:"column:completed_at" json:"completed_at"`
}

func (WorkflowInstancePo) TableName() string {
	return "approval_workflow"
}

type WorkflowStepPo struct {
	ID                 int64              `gorm:"column:id;primaryKey;autoIncrement"`
	WorkflowInstanceID int64              `gorm:"column:workflow_instance_id;uniqueIndex:uk_workflow_step"`
	StepNumber         int                `gorm:"column:step_number;uniqueIndex:uk_workflow_step"`
	ActorKind          ActorKind          `gorm:"column:actor_kind"`
	ActorValue         string             `gorm:"column:actor_value"`
	EscalatedFromKind  ActorKind          `gorm:"column:escalated_from_kind"`
	EscalatedFromValue string             `gorm:"column:escalated_from_value"`
	Status             WorkflowStepStatus `gorm:"column:status;index:idx_step_due"`
	SlaHours           int64              `gorm:"column:sla_hours"`
	ActivatedAt        int64              `gorm:"column:activated_at"`
	DueAt              int64              `gorm:"column:due_at;index:idx_step_due"`
	DecidedBy          string             `gorm:"column:decided_by"`
	DecidedAt          int64              `gorm:"column:decided_at"`
	Comment            string             `gorm:"column:comment"`
	Version            int64              `gorm:"column:version"`
	CreatedAt          int64              `gorm:"column:created_at"`
	UpdatedAt          int64              `gorm:"column:updated_at"`
}

func (WorkflowStepPo) TableName() string {
	return "approval_workflow_step"
}

type QueryWorkflowInstanceParams struct {
	WorkflowInstanceID *int64   `json:"workflow_instance_id"`
	WorkflowTypeIn     []string `json:"workflow_type_in"`
	ReferenceType      *string  `json:"reference_type"`
	ReferenceID        *string  `json:"reference_id"`
	StatusIn           []string `json:"status_in"`
	InitiatedBy        *string  `json:"initiated_by"`
	IDGreaterThan      *int64   `json:"id_greater_than"`
	OrderbyIDAsc       *bool    `json:"orderby_id_asc"`
	Page               *Pager   `json:"page"`
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type QueryWorkflowStepParams struct {
	WorkflowStepID     *int64   `json:"workflow_step_id"`
	WorkflowInstanceID *int64   `json:"workflow_instance_id"`
	StatusIn           []string `json:"status_in"`
	IsActivated        *bool    `json:"is_activated"`
	DueAtBefore        *int64   `json:"due_at_before"` // due_at > 0 且 due_at < DueAtBefore
	WorkflowStatusIn   []string `json:"workflow_status_in"`
	IDGreaterThan      *int64   `json:"id_greater_than"`
	OrderbyIDAsc       *bool    `json:"orderby_id_asc"` // 按 id 游标翻页时使用,默认按工作流和节点序号排序
	Page               *Pager   `json:"page"`
}

type UpdateWorkflowInstanceParams struct {
	Where  *UpdateWorkflowInstanceWhere `json:"where" validate:"required"`
	Fields *UpdateWorkflowInstanceField `json:"field" validate:"required"`
}

// UpdateWorkflowInstanceWhere ID+Version 必填,乐观锁写入
type UpdateWorkflowInstanceWhere struct {
	ID       int64    `json:"id" validate:"gt=0"`
	Version  int64    `json:"version" validate:"gt=0"`
	StatusIn []string `json:"status_in"`
}

type UpdateWorkflowInstanceField struct {
	Status      *string `json:"status"`
	CurrentStep *int    `json:"current_step"`
	CompletedAt *int64  `json:"completed_at"`
	UpdatedAt   *int64  `json:"updated_at"`
}

type UpdateWorkflowStepParams struct {
	Where  *UpdateWorkflowStepWhere `json:"where" validate:"required"`
	Fields *UpdateWorkflowStepField `json:"field" validate:"required"`
}

type UpdateWorkflowStepWhere struct {
	ID       int64    `json:"id" validate:"gt=0"`
	Version  int64    `json:"version" validate:"gt=0"`
	StatusIn []string `json:"status_in"`
}

type UpdateWorkflowStepField struct {
	Status        *string        `json:"status"`
	Actor         *EligibleActor `json:"actor"`
	EscalatedFrom *EligibleActor `json:"escalated_from"`
	ActivatedAt   *int64         `json:"activated_at"`
	DueAt         *int64         `json:"due_at"`
	DecidedBy     *string        `json:"decided_by"`
	DecidedAt     *int64         `json:"decided_at"`
	Comment       *string        `json:"comment"`
	UpdatedAt     *int64         `json:"updated_at"`
}

type workflowRepo struct {
	db *gorm.DB
}

func NewWorkflowRepo(db *gorm.DB) WorkflowRepo {
	return &workflowRepo{
		db: db,
	}
}

// AutoMigrate 建表,测试和示例使用,线上建议走自己的迁移流程
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&WorkflowInstancePo{}, &WorkflowStepPo{})
}

func (r *workflowRepo) CreateWorkflowInstance(ctx context.Context, workflowInstance *WorkflowInstancePo) (*WorkflowInstancePo, error) {
	if workflowInstance == nil {
		return nil, fmt.Errorf("nil WorkflowInstancePo")
	}
	if workflowInstance.CreatedAt == 0 {
		workflowInstance.CreatedAt = time.Now().Unix()
	}
	workflowInstance.UpdatedAt = workflowInstance.CreatedAt
	if workflowInstance.Version == 0 {
		workflowInstance.Version = 1
	}
	if err := r.GetDBWithContext(ctx).Create(workflowInstance).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateWorkflowInstance failed")
	}
	return workflowInstance, nil
}

func (r *workflowRepo) CreateWorkflowSteps(ctx context.Context, steps []*WorkflowStepPo) error {
	if len(steps) == 0 {
		return errors.New("empty WorkflowStepPo list")
	}
	for _, step := range steps {
		if step.CreatedAt == 0 {
			step.CreatedAt = time.Now().Unix()
		}
		step.UpdatedAt = step.CreatedAt
		if step.Version == 0 {
			step.Version = 1
		}
	}
	if err := r.GetDBWithContext(ctx).Create(&steps).Error; err != nil {
		return errors.WithMessage(err, "CreateWorkflowSteps failed")
	}
	return nil
}

func buildPage(db *gorm.DB, page *Pager) (*gorm.DB, error) {
	if page == nil {
		return nil, errors.New("page is nil")
	}
	if page.IsNoLimit != nil && *page.IsNoLimit {
		// 不分页显示指定了true
		return db, nil
	}
	if page.Page <= 0 {
		page.Page = 1
	}
	if page.Size <= 0 {
		page.Size = 10
	}
	return db.Offset(int(page.Page-1) * int(page.Size)).Limit(int(page.Size)), nil
}

func buildQueryWorkflowInstanceParams(db *gorm.DB, isCount bool, param *QueryWorkflowInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowInstanceParams")
	}
	if param.WorkflowInstanceID != nil {
		db = db.Where("id = ?", *param.WorkflowInstanceID)
	}
	if len(param.WorkflowTypeIn) != 0 {
		db = db.Where("workflow_type IN ?", param.WorkflowTypeIn)
	}
	if param.ReferenceType != nil {
		db = db.Where("reference_type = ?", *param.ReferenceType)
	}
	if param.ReferenceID != nil {
		db = db.Where("reference_id = ?", *param.ReferenceID)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.InitiatedBy != nil {
		db = db.Where("initiated_by = ?", *param.InitiatedBy)
	}
	if param.IDGreaterThan != nil {
		db = db.Where("id > ?", *param.IDGreaterThan)
	}
	if isCount {
		return db, nil
	}
	if param.OrderbyIDAsc != nil && !*param.OrderbyIDAsc {
		db = db.Order("id desc")
	} else {
		db = db.Order("id asc")
	}
	return buildPage(db, param.Page)
}

func (r *workflowRepo) QueryWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) ([]*WorkflowInstancePo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryWorkflowInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildQueryWorkflowInstanceParams(db, false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryWorkflowInstanceParams failed")
	}
	pos := make([]*WorkflowInstancePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowInstance failed")
	}
	return pos, nil
}

func (r *workflowRepo) CountWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) (int64, error) {
	if param == nil {
		return 0, fmt.Errorf("nil QueryWorkflowInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildQueryWorkflowInstanceParams(db, true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryWorkflowInstanceParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountWorkflowInstance failed")
	}
	return count, nil
}

func (r *workflowRepo) buildQueryWorkflowStepParams(ctx context.Context, db *gorm.DB, param *QueryWorkflowStepParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowStepParams")
	}
	if param.WorkflowStepID != nil {
		db = db.Where("id = ?", *param.WorkflowStepID)
	}
	if param.WorkflowInstanceID != nil {
		db = db.Where("workflow_instance_id = ?", *param.WorkflowInstanceID)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.IsActivated != nil {
		if *param.IsActivated {
			db = db.Where("activated_at > 0")
		} else {
			db = db.Where("activated_at = 0")
		}
	}
	if param.DueAtBefore != nil {
		db = db.Where("due_at > 0 AND due_at < ?", *param.DueAtBefore)
	}
	if len(param.WorkflowStatusIn) != 0 {
		subQuery := r.GetDBWithContext(ctx).Session(&gorm.Session{NewDB: true}).
			Model(&WorkflowInstancePo{}).Select("id").Where("status IN ?", param.WorkflowStatusIn)
		db = db.Where("workflow_instance_id IN (?)", subQuery)
	}
	if param.IDGreaterThan != nil {
		db = db.Where("id > ?", *param.IDGreaterThan)
	}
	if param.OrderbyIDAsc != nil && *param.OrderbyIDAsc {
		db = db.Order("id asc")
	} else {
		db = db.Order("workflow_instance_id asc").Order("step_number asc")
	}
	return buildPage(db, param.Page)
}

func (r *workflowRepo) QueryWorkflowStep(ctx context.Context, param *QueryWorkflowStepParams) ([]*WorkflowStepPo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryWorkflowStepParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowStepPo{})
	db, err := r.buildQueryWorkflowStepParams(ctx, db, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryWorkflowStepParams failed")
	}
	pos := make([]*WorkflowStepPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowStep failed")
	}
	return pos, nil
}

func buildUpdateWorkflowInstanceFields(fields *UpdateWorkflowInstanceField) (map[string]any, error) {
	updateFields := make(map[string]any)
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.CurrentStep != nil {
		updateFields["current_step"] = *fields.CurrentStep
	}
	if fields.CompletedAt != nil {
		updateFields["completed_at"] = *fields.CompletedAt
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	if fields.UpdatedAt != nil {
		updateFields["updated_at"] = *fields.UpdatedAt
	} else {
		updateFields["updated_at"] = time.Now().Unix()
	}
	updateFields["version"] = gorm.Expr("version + ?", 1)
	return updateFields, nil
}

func (r *workflowRepo) UpdateWorkflowInstance(ctx context.Context, param *UpdateWorkflowInstanceParams) error {
	if err := validatorUtil.Struct(param); err != nil {
		return errors.Wrapf(ErrWorkflowParamInvalid, "UpdateWorkflowInstance failed, err: %v", err)
	}
	updateFields, err := buildUpdateWorkflowInstanceFields(param.Fields)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateWorkflowInstanceFields failed")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{}).
		Where("id = ? AND version = ?", param.Where.ID, param.Where.Version)
	if len(param.Where.StatusIn) > 0 {
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	result := db.Updates(updateFields)
	if result.Error != nil {
		return errors.WithMessage(result.Error, "UpdateWorkflowInstance failed")
	}
	if result.RowsAffected == 0 {
		return errors.WithMessagef(ErrConcurrentModification, "workflow instance changed, id: %d, version: %d", param.Where.ID, param.Where.Version)
	}
	return nil
}

func buildUpdateWorkflowStepFields(fields *UpdateWorkflowStepField) (map[string]any, error) {
	updateFields := make(map[string]any)
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.Actor != nil {
		updateFields["actor_kind"] = fields.Actor.Kind
		updateFields["actor_value"] = fields.Actor.Value
	}
	if fields.EscalatedFrom != nil {
		updateFields["escalated_from_kind"] = fields.EscalatedFrom.Kind
		updateFields["escalated_from_value"] = fields.EscalatedFrom.Value
	}
	if fields.ActivatedAt != nil {
		updateFields["activated_at"] = *fields.ActivatedAt
	}
	if fields.DueAt != nil {
		updateFields["due_at"] = *fields.DueAt
	}
	if fields.DecidedBy != nil {
		updateFields["decided_by"] = *fields.DecidedBy
	}
	if fields.DecidedAt != nil {
		updateFields["decided_at"] = *fields.DecidedAt
	}
	if fields.Comment != nil {
		updateFields["comment"] = *fields.Comment
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	if fields.UpdatedAt != nil {
		updateFields["updated_at"] = *fields.UpdatedAt
	} else {
		updateFields["updated_at"] = time.Now().Unix()
	}
	updateFields["version"] = gorm.Expr("version + ?", 1)
	return updateFields, nil
}

func (r *workflowRepo) UpdateWorkflowStep(ctx context.Context, param *UpdateWorkflowStepParams) error {
	if err := validatorUtil.Struct(param); err != nil {
		return errors.Wrapf(ErrWorkflowParamInvalid, "UpdateWorkflowStep failed, err: %v", err)
	}
	updateFields, err := buildUpdateWorkflowStepFields(param.Fields)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateWorkflowStepFields failed")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowStepPo{}).
		Where("id = ? AND version = ?", param.Where.ID, param.Where.Version)
	if len(param.Where.StatusIn) > 0 {
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	result := db.Updates(updateFields)
	if result.Error != nil {
		return errors.WithMessage(result.Error, "UpdateWorkflowStep failed")
	}
	if result.RowsAffected == 0 {
		return errors.WithMessagef(ErrConcurrentModification, "workflow step changed, id: %d, version: %d", param.Where.ID, param.Where.Version)
	}
	return nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *workflowRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx, ok := ctx.Value(transactionContextKey).(*gorm.DB)
	if !ok {
		// 没有事务，直接返回db即可
		return r.db.WithContext(ctx)
	}
	return tx
}

// Transaction 事务放在ctx里面传递,嵌套调用复用外层事务
func (r *workflowRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(transactionContextKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, transactionContextKey, tx))
	})
}
