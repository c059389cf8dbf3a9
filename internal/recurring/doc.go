// Package recurring registers recurring jobs with a scheduler.
//
// Job types describe their recurring methods through Provider. The composition
// root collects them into a flat list (Collect) and hands it to a Registrar,
// which derives an identifier per job, applies config overrides, binds the
// target (statically or through an InstancePolicy), and upserts each enabled
// job into a Sink.
//
// A registration pass never stops at the first bad job: per-job problems are
// reported in Result.Failures and the pass continues.
package recurring
