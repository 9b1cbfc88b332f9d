package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/tierfs/tierfs/errdefs"
	"github.com/tierfs/tierfs/fs"
	"github.com/tierfs/tierfs/fs/vpath"
)

// rpcRequest is the wire shape of one RPC call.
type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type rpcResponse struct {
	Result any       `json:"result,omitempty"`
	Error  *rpcError `json:"error,omitempty"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeRPCError(w, "", errdefs.New(errdefs.InvalidArgument, "malformed request body", ""))
		return
	}

	handler, ok := rpcMethods[req.Method]
	if !ok {
		s.writeRPCError(w, req.Method,
			errdefs.New(errdefs.InvalidArgument, "unknown method "+req.Method, ""))
		return
	}

	s.metrics.rpcRequests.WithLabelValues(req.Method).Inc()
	result, err := handler(s, r, req.Params)
	if err != nil {
		s.writeRPCError(w, req.Method, err)
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{Result: result})
}

func (s *Server) writeRPCError(w http.ResponseWriter, method string, err error) {
	var e *errdefs.Error
	if !errors.As(err, &e) {
		e = errdefs.New(errdefs.InvalidArgument, err.Error(), "")
	}
	s.metrics.rpcErrors.WithLabelValues(string(e.Code)).Inc()
	if e.Code != errdefs.NotFound {
		log.Debug().Str("method", method).Str("code", string(e.Code)).Msg(e.Message)
	}
	writeJSON(w, httpStatus(string(e.Code)), rpcResponse{
		Error: &rpcError{Code: string(e.Code), Message: e.Message, Path: e.Path},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// rpcHandler decodes method parameters and invokes one engine operation.
type rpcHandler func(s *Server, r *http.Request, params json.RawMessage) (any, error)

func decode[T any](params json.RawMessage) (T, error) {
	var p T
	if len(params) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return p, errdefs.New(errdefs.InvalidArgument, "malformed params: "+err.Error(), "")
	}
	return p, nil
}

// checked validates an externally supplied path against the jail root.
func checked(path string) (string, error) {
	return vpath.Validate(path, "/")
}

type pathParams struct {
	Path string `json:"path"`
}

type rangeParams struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

var rpcMethods = map[string]rpcHandler{
	"read": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			pathParams
			Range *rangeParams `json:"range"`
		}](raw)
		if err != nil {
			return nil, err
		}
		path, err := checked(p.Path)
		if err != nil {
			return nil, err
		}
		var rng *fs.ReadRange
		if p.Range != nil {
			rng = &fs.ReadRange{Start: p.Range.Start, End: p.Range.End}
		}
		return s.fs.Read(path, rng)
	},

	"write": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			pathParams
			Data      []byte `json:"data"`
			Exclusive bool   `json:"exclusive"`
			Append    bool   `json:"append"`
			Mode      uint32 `json:"mode"`
			Tier      string `json:"tier"`
		}](raw)
		if err != nil {
			return nil, err
		}
		path, err := checked(p.Path)
		if err != nil {
			return nil, err
		}
		return s.fs.Write(path, p.Data, &fs.WriteOptions{
			Exclusive: p.Exclusive,
			Append:    p.Append,
			Mode:      p.Mode,
			Tier:      fs.Tier(p.Tier),
		})
	},

	"append": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			pathParams
			Data []byte `json:"data"`
		}](raw)
		if err != nil {
			return nil, err
		}
		path, err := checked(p.Path)
		if err != nil {
			return nil, err
		}
		return s.fs.Append(path, p.Data)
	},

	"truncate": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			pathParams
			Size int64 `json:"size"`
		}](raw)
		if err != nil {
			return nil, err
		}
		path, err := checked(p.Path)
		if err != nil {
			return nil, err
		}
		return nil, s.fs.Truncate(path, p.Size)
	},

	"unlink": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[pathParams](raw)
		if err != nil {
			return nil, err
		}
		path, err := checked(p.Path)
		if err != nil {
			return nil, err
		}
		return nil, s.fs.Unlink(path)
	},

	"mkdir": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			pathParams
			Mode      uint32 `json:"mode"`
			Recursive bool   `json:"recursive"`
		}](raw)
		if err != nil {
			return nil, err
		}
		path, err := checked(p.Path)
		if err != nil {
			return nil, err
		}
		return s.fs.Mkdir(path, p.Mode, p.Recursive)
	},

	"rmdir": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			pathParams
			Recursive bool `json:"recursive"`
		}](raw)
		if err != nil {
			return nil, err
		}
		path, err := checked(p.Path)
		if err != nil {
			return nil, err
		}
		return nil, s.fs.Rmdir(path, p.Recursive)
	},

	"rm": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			pathParams
			Recursive bool `json:"recursive"`
			Force     bool `json:"force"`
		}](raw)
		if err != nil {
			return nil, err
		}
		path, err := checked(p.Path)
		if err != nil {
			return nil, err
		}
		return nil, s.fs.Rm(path, p.Recursive, p.Force)
	},

	"readdir": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			pathParams
			Recursive bool `json:"recursive"`
			WithTypes bool `json:"withTypes"`
		}](raw)
		if err != nil {
			return nil, err
		}
		path, err := checked(p.Path)
		if err != nil {
			return nil, err
		}
		return s.fs.Readdir(path, &fs.ReaddirOptions{Recursive: p.Recursive, WithTypes: p.WithTypes})
	},

	"rename": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			OldPath   string `json:"oldPath"`
			NewPath   string `json:"newPath"`
			Overwrite bool   `json:"overwrite"`
		}](raw)
		if err != nil {
			return nil, err
		}
		oldPath, err := checked(p.OldPath)
		if err != nil {
			return nil, err
		}
		newPath, err := checked(p.NewPath)
		if err != nil {
			return nil, err
		}
		return nil, s.fs.Rename(oldPath, newPath, p.Overwrite)
	},

	"copyFile": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			Src string `json:"src"`
			Dst string `json:"dst"`
		}](raw)
		if err != nil {
			return nil, err
		}
		src, err := checked(p.Src)
		if err != nil {
			return nil, err
		}
		dst, err := checked(p.Dst)
		if err != nil {
			return nil, err
		}
		return s.fs.CopyFile(src, dst)
	},

	"copyDir": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			Src          string `json:"src"`
			Dst          string `json:"dst"`
			PreserveMeta bool   `json:"preserveMeta"`
		}](raw)
		if err != nil {
			return nil, err
		}
		src, err := checked(p.Src)
		if err != nil {
			return nil, err
		}
		dst, err := checked(p.Dst)
		if err != nil {
			return nil, err
		}
		return nil, s.fs.CopyDir(src, dst, p.PreserveMeta)
	},

	"stat": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[pathParams](raw)
		if err != nil {
			return nil, err
		}
		path, err := checked(p.Path)
		if err != nil {
			return nil, err
		}
		return s.fs.Stat(path)
	},

	"lstat": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[pathParams](raw)
		if err != nil {
			return nil, err
		}
		path, err := checked(p.Path)
		if err != nil {
			return nil, err
		}
		return s.fs.Lstat(path)
	},

	"exists": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[pathParams](raw)
		if err != nil {
			return nil, err
		}
		path, err := checked(p.Path)
		if err != nil {
			return nil, err
		}
		return s.fs.Exists(path)
	},

	"access": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			pathParams
			Mode uint32 `json:"mode"`
		}](raw)
		if err != nil {
			return nil, err
		}
		path, err := checked(p.Path)
		if err != nil {
			return nil, err
		}
		return nil, s.fs.Access(path, p.Mode)
	},

	"chmod": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			pathParams
			Mode uint32 `json:"mode"`
		}](raw)
		if err != nil {
			return nil, err
		}
		path, err := checked(p.Path)
		if err != nil {
			return nil, err
		}
		return nil, s.fs.Chmod(path, p.Mode)
	},

	"chown": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			pathParams
			UID int `json:"uid"`
			GID int `json:"gid"`
		}](raw)
		if err != nil {
			return nil, err
		}
		path, err := checked(p.Path)
		if err != nil {
			return nil, err
		}
		return nil, s.fs.Chown(path, p.UID, p.GID)
	},

	"utimes": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			pathParams
			Atime int64 `json:"atime"`
			Mtime int64 `json:"mtime"`
		}](raw)
		if err != nil {
			return nil, err
		}
		path, err := checked(p.Path)
		if err != nil {
			return nil, err
		}
		return nil, s.fs.Utimes(path, p.Atime, p.Mtime)
	},

	"symlink": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			Target   string `json:"target"`
			LinkPath string `json:"linkPath"`
		}](raw)
		if err != nil {
			return nil, err
		}
		linkPath, err := checked(p.LinkPath)
		if err != nil {
			return nil, err
		}
		if vpath.IsSymlinkEscape(p.Target, linkPath, "/") {
			return nil, errdefs.New(errdefs.PermissionDenied, "symlink target escapes root", p.Target)
		}
		return s.fs.Symlink(p.Target, linkPath)
	},

	"link": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			ExistingPath string `json:"existingPath"`
			NewPath      string `json:"newPath"`
		}](raw)
		if err != nil {
			return nil, err
		}
		existing, err := checked(p.ExistingPath)
		if err != nil {
			return nil, err
		}
		newPath, err := checked(p.NewPath)
		if err != nil {
			return nil, err
		}
		return s.fs.Link(existing, newPath)
	},

	"readlink": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[pathParams](raw)
		if err != nil {
			return nil, err
		}
		path, err := checked(p.Path)
		if err != nil {
			return nil, err
		}
		return s.fs.Readlink(path)
	},

	"realpath": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[pathParams](raw)
		if err != nil {
			return nil, err
		}
		path, err := checked(p.Path)
		if err != nil {
			return nil, err
		}
		return s.fs.Realpath(path)
	},

	"setTier": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			pathParams
			Tier string `json:"tier"`
		}](raw)
		if err != nil {
			return nil, err
		}
		path, err := checked(p.Path)
		if err != nil {
			return nil, err
		}
		return nil, s.fs.SetTier(path, fs.Tier(p.Tier))
	},

	"writeMany": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			Writes []struct {
				Path string `json:"path"`
				Data []byte `json:"data"`
			} `json:"writes"`
		}](raw)
		if err != nil {
			return nil, err
		}
		requests := make([]fs.WriteRequest, 0, len(p.Writes))
		for _, wreq := range p.Writes {
			path, err := checked(wreq.Path)
			if err != nil {
				return nil, err
			}
			requests = append(requests, fs.WriteRequest{Path: path, Data: wreq.Data})
		}
		return s.fs.WriteMany(requests)
	},

	"validatePath": func(_ *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			pathParams
			Root string `json:"root"`
		}](raw)
		if err != nil {
			return nil, err
		}
		root := p.Root
		if root == "" {
			root = "/"
		}
		return vpath.Validate(p.Path, root)
	},

	"verifyIntegrity": func(s *Server, _ *http.Request, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			BlobID string `json:"blobId"`
		}](raw)
		if err != nil {
			return nil, err
		}
		return s.fs.VerifyIntegrity(p.BlobID)
	},

	"dedupStats": func(s *Server, _ *http.Request, _ json.RawMessage) (any, error) {
		return s.fs.GetDedupStats()
	},

	"beginTransaction": func(s *Server, _ *http.Request, _ json.RawMessage) (any, error) {
		return nil, s.fs.BeginTransaction()
	},

	"commit": func(s *Server, _ *http.Request, _ json.RawMessage) (any, error) {
		return nil, s.fs.Commit()
	},

	"rollback": func(s *Server, _ *http.Request, _ json.RawMessage) (any, error) {
		return nil, s.fs.Rollback()
	},

	"transactionLog": func(s *Server, _ *http.Request, _ json.RawMessage) (any, error) {
		return s.fs.TransactionLog(), nil
	},

	"runCleanup": func(s *Server, r *http.Request, _ json.RawMessage) (any, error) {
		return s.fs.RunScheduledCleanup(r.Context())
	},

	"cleanupStats": func(s *Server, _ *http.Request, _ json.RawMessage) (any, error) {
		return s.fs.Cleanup().Stats(), nil
	},
}
