package workflow

// Index resolves api_name references inside one loaded workflow.
// Tasks reference other tasks and fields by string key, never by
// pointer, so the index is rebuilt from the aggregate whenever the
// task list changes.
type Index struct {
	tasks  map[string]*TaskInstance
	fields map[string]fieldRef
}

type fieldRef struct {
	def        FieldDef
	taskNumber int // 0 for kickoff fields
}

// NewIndex builds an index over a workflow's tasks and their field
// definitions plus the template's kickoff fields.
func NewIndex(w *Workflow, kickoff []FieldDef) *Index {
	idx := &Index{
		tasks:  make(map[string]*TaskInstance, len(w.Tasks)),
		fields: make(map[string]fieldRef),
	}
	for _, f := range kickoff {
		idx.fields[f.APIName] = fieldRef{def: f, taskNumber: 0}
	}
	for _, t := range w.Tasks {
		idx.tasks[t.APIName] = t
		for _, f := range t.Fields {
			idx.fields[f.APIName] = fieldRef{def: f, taskNumber: t.Number}
		}
	}
	return idx
}

// Task returns the task instance with the given api_name, or nil.
func (idx *Index) Task(apiName string) *TaskInstance {
	return idx.tasks[apiName]
}

// TaskBefore returns the task with the given api_name only if its step
// number is smaller than limit. Dangling references return nil.
func (idx *Index) TaskBefore(apiName string, limit int) *TaskInstance {
	t := idx.tasks[apiName]
	if t == nil || t.Number >= limit {
		return nil
	}
	return t
}

// Field returns a field definition and the step number of its owning
// task (0 for kickoff fields).
func (idx *Index) Field(apiName string) (FieldDef, int, bool) {
	ref, ok := idx.fields[apiName]
	return ref.def, ref.taskNumber, ok
}

// FieldBefore reports a field visible to the task at step limit:
// kickoff fields and fields declared on earlier tasks.
func (idx *Index) FieldBefore(apiName string, limit int) (FieldDef, bool) {
	ref, ok := idx.fields[apiName]
	if !ok || ref.taskNumber >= limit {
		return FieldDef{}, false
	}
	return ref.def, true
}
