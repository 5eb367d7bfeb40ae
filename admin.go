package main

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/nzlov/medsync/protocol"
)

func adminresp(log *zap.SugaredLogger, w http.ResponseWriter, code, content string) {
	writeJSON(log, w, http.StatusOK, adminResult{Code: code, Data: content})
	log.Infow("[ADMINRESP]", "code", code, "data", content)
}

// adminPublish upserts a document on behalf of the back office, e.g. a new
// doctor in the global doctors collection. The body is signed with
// md5(adminsecret + body + ts).
func (n *Node) adminPublish(w http.ResponseWriter, r *http.Request) {
	log := zap.S().With("method", "adminpublish")
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		adminresp(log, w, C_FAIL, "read body")
		return
	}

	s := r.URL.Query().Get("sign")
	if s == "" {
		adminresp(log, w, C_AUTH, "sign")
		return
	}
	ts := r.URL.Query().Get("ts")
	if ts == "" {
		adminresp(log, w, C_AUTH, "ts")
		return
	}
	if n.cfg.AdminSecret == "" || !CheckSignMD5(n.cfg.AdminSecret, string(body), ts, s) {
		adminresp(log, w, C_AUTH, "sign")
		return
	}

	pm := AdminPublishMessage{}
	if err := json.Unmarshal(body, &pm); err != nil {
		adminresp(log, w, C_FAIL, "data format")
		return
	}
	if pm.Collection == "" || pm.Document.ID() == "" {
		adminresp(log, w, C_FAIL, "collection and document.id are required")
		return
	}
	if pm.UserID == "" && !n.data.isGlobal(pm.Collection) {
		adminresp(log, w, C_FAIL, "userId is required for "+pm.Collection)
		return
	}
	if pm.Document.LastModified() == 0 {
		pm.Document[protocol.FieldLastModified] = n.stamp()
	}

	applied, err := n.Publish(pm.UserID, pm.Collection, pm.Document)
	if err != nil {
		adminresp(log, w, C_FAIL, err.Error())
		return
	}
	if !applied {
		adminresp(log, w, C_FAIL, "stale")
		return
	}
	adminresp(log, w, C_OK, pm.Document.ID())
}
